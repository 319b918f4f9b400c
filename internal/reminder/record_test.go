package reminder

import (
	"errors"
	"testing"
)

func strp(s string) *string { return &s }

func TestRecordDecode(t *testing.T) {
	t.Parallel()
	due := ptr(utc(2025, 1, 6, 9, 0))

	tests := []struct {
		name    string
		rec     Record
		wantErr error
		want    string
	}{
		{"once", Record{ID: 1, UserID: 1, ReminderType: "once", NextDue: due}, nil, "once"},
		{"once ignores stray frequency", Record{ID: 2, UserID: 1, ReminderType: "once", Frequency: strp("daily"), NextDue: due}, nil, "once"},
		{"recurring", Record{ID: 3, UserID: 1, ReminderType: "recurring", Frequency: strp("monthly"), NextDue: due}, nil, "recurring/monthly"},
		{"recurring missing frequency", Record{ID: 4, UserID: 1, ReminderType: "recurring", NextDue: due}, ErrInvalidFrequency, ""},
		{"recurring bad frequency", Record{ID: 5, UserID: 1, ReminderType: "recurring", Frequency: strp("hourly"), NextDue: due}, ErrInvalidFrequency, ""},
		{"bad kind", Record{ID: 6, UserID: 1, ReminderType: "sometimes", NextDue: due}, ErrInvalidKind, ""},
		{"pending without due", Record{ID: 7, UserID: 1, ReminderType: "once"}, ErrMissingNextDue, ""},
		{"completed without due", Record{ID: 8, UserID: 1, ReminderType: "once", IsCompleted: true}, nil, "once"},
	}
	for _, tt := range tests {
		r, err := tt.rec.Decode()
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected err %v", tt.name, err)
		}
		if got := r.Schedule.String(); got != tt.want {
			t.Fatalf("%s: schedule = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestEncodeDropsFrequencyForOnce(t *testing.T) {
	t.Parallel()
	rec := Encode(Reminder{ID: 1, OwnerID: 1, Title: "t", Schedule: OnceSchedule(), NextDue: ptr(utc(2025, 1, 6, 9, 0))})
	if rec.ReminderType != "once" || rec.Frequency != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	rec = Encode(Reminder{ID: 2, OwnerID: 1, Title: "t", Schedule: RecurringSchedule(Biweekly), NextDue: ptr(utc(2025, 1, 6, 9, 0))})
	if rec.ReminderType != "recurring" || rec.Frequency == nil || *rec.Frequency != "biweekly" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
