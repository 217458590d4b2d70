package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType ChangeType
		wantID   string
		wantErr  bool
	}{
		{
			name:     "insert with updated_at",
			input:    `{"change_type":"insert","resource":"stories","row":{"id":"s1","updated_at":"2024-01-02T03:04:05.000000006Z"}}`,
			wantType: ChangeInsert,
			wantID:   "s1",
		},
		{
			name:     "update falls back to envelope timestamp",
			input:    `{"change_type":"UPDATE","resource":"stories","row":{"id":"s2"},"at":"2024-01-02T03:04:05Z"}`,
			wantType: ChangeUpdate,
			wantID:   "s2",
		},
		{
			name:     "delete",
			input:    `{"change_type":"delete","resource":"stories","row":{"id":"s3","updated_at":"2024-01-02T03:04:05Z"}}`,
			wantType: ChangeDelete,
			wantID:   "s3",
		},
		{
			name:    "unknown change type",
			input:   `{"change_type":"upsert","resource":"stories","row":{"id":"s1","updated_at":"2024-01-02T03:04:05Z"}}`,
			wantErr: true,
		},
		{
			name:    "missing id",
			input:   `{"change_type":"insert","resource":"stories","row":{"updated_at":"2024-01-02T03:04:05Z"}}`,
			wantErr: true,
		},
		{
			name:    "missing resource",
			input:   `{"change_type":"insert","row":{"id":"s1","updated_at":"2024-01-02T03:04:05Z"}}`,
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			input:   `{"change_type":"insert","resource":"stories","row":{"id":"s1"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `{"change_type":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("error %v does not wrap ErrValidation", err)
				}
				return
			}
			if ev.Type() != tt.wantType {
				t.Errorf("Type() = %v, want %v", ev.Type(), tt.wantType)
			}
			if got := ev.Meta().EntityID(); got != tt.wantID {
				t.Errorf("EntityID() = %q, want %q", got, tt.wantID)
			}
			if ev.Meta().At.IsZero() {
				t.Error("At is zero")
			}
		})
	}
}

func TestEncodeDecodeEvent_PreservesMutationID(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
	ev, err := NewEvent(ChangeUpdate, "stories", Row{
		"id":          "s1",
		"likes":       float64(4),
		"mutation_id": "m-1",
		"updated_at":  at.Format(time.RFC3339Nano),
	}, time.Time{})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}

	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if _, ok := got.(UpdateEvent); !ok {
		t.Fatalf("decoded %T, want UpdateEvent", got)
	}
	if got.Meta().MutationID() != "m-1" {
		t.Errorf("MutationID() = %q", got.Meta().MutationID())
	}
	if !got.Meta().At.Equal(at) {
		t.Errorf("At = %v, want %v", got.Meta().At, at)
	}
	if diff := cmp.Diff(ev.Meta().Row, got.Meta().Row); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestRow_Merge(t *testing.T) {
	base := Row{"id": "s1", "likes": float64(3), "title": "hello"}
	merged := base.Merge(Row{"likes": float64(4)})

	want := Row{"id": "s1", "likes": float64(4), "title": "hello"}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
	if base["likes"] != float64(3) {
		t.Error("Merge() mutated the receiver")
	}
}

func TestFilter_Matches(t *testing.T) {
	row := Row{"id": "s1", "feed": "home", "rank": float64(2)}

	tests := []struct {
		filter Filter
		want   bool
	}{
		{nil, true},
		{Filter{"feed": "home"}, true},
		{Filter{"feed": "home", "rank": 2}, true},
		{Filter{"feed": "other"}, false},
		{Filter{"missing": "x"}, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(row); got != tt.want {
			t.Errorf("%v.Matches() = %v, want %v", tt.filter, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var _ net.Error = timeoutErr{}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"transient", fmt.Errorf("post: %w", ErrTransient), ClassTransient},
		{"validation", fmt.Errorf("insert: %w", ErrValidation), ClassValidation},
		{"conflict", ErrConflict, ClassConflict},
		{"not found", ErrNotFound, ClassConflict},
		{"configuration", ErrConfiguration, ClassConfiguration},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, ClassTransient},
		{"unknown", errors.New("weird"), ClassValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}

	if !IsRetryable(ErrTransient) || IsRetryable(ErrValidation) {
		t.Error("IsRetryable misclassifies sentinels")
	}
	if !IsTerminal(ErrConflict) || IsTerminal(ErrTransient) || IsTerminal(nil) {
		t.Error("IsTerminal misclassifies sentinels")
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewID() = %q is not a UUID: %v", id, err)
		}
		if parsed.Version() != 4 {
			t.Errorf("NewID() version = %d, want 4", parsed.Version())
		}
		if seen[id] {
			t.Fatalf("NewID() repeated %q", id)
		}
		seen[id] = true
	}
}
