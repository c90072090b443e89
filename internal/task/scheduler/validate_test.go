package scheduler

import (
	"errors"
	"testing"
	"time"
)

var ist = time.FixedZone("UTC+05:30", 5*3600+30*60)

func reasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return 0
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   int64
		reason Reason
	}{
		{in: "60", want: 60},
		{in: " 86400 ", want: 86400},
		{in: "abc", reason: ReasonSyntax},
		{in: "1.5", reason: ReasonSyntax},
		{in: "", reason: ReasonSyntax},
		{in: "-5", reason: ReasonNotPositive},
		{in: "0", reason: ReasonNotPositive},
		{in: "99999999999999999999", reason: ReasonSyntax},
		{in: "4294967297", reason: ReasonSyntax},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tt.in)
			if tt.reason != 0 {
				if !IsValidation(err) || reasonOf(err) != tt.reason {
					t.Fatalf("ParseInterval(%q) err = %v, want reason %s", tt.in, err, tt.reason)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseInterval(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	t.Parallel()
	if got, err := ParseMessage("  Happy Birthday! "); err != nil || got != "  Happy Birthday! " {
		t.Fatalf("message must be kept verbatim, got %q %v", got, err)
	}
	if _, err := ParseMessage(" \n\t"); reasonOf(err) != ReasonSyntax {
		t.Fatalf("blank message accepted: %v", err)
	}
}

func TestParseStart(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)

	tests := []struct {
		name      string
		in        string
		immediate bool
		at        time.Time
		reason    Reason
	}{
		{name: "now", in: "now", immediate: true},
		{name: "now mixed case", in: " NoW ", immediate: true},
		{name: "future", in: "2024-01-02 00:00:01", at: now.Add(time.Second)},
		{name: "equal to now", in: "2024-01-02 00:00:00", reason: ReasonNotFuture},
		{name: "past", in: "2023-12-31 23:00:00", reason: ReasonNotFuture},
		{name: "garbage", in: "tomorrow", reason: ReasonSyntax},
		{name: "wrong layout", in: "02/01/2024 10:00", reason: ReasonSyntax},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStart(tt.in, now, ist)
			if tt.reason != 0 {
				if reasonOf(err) != tt.reason {
					t.Fatalf("err = %v, want reason %s", err, tt.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Immediate() != tt.immediate || !got.At().Equal(tt.at) {
				t.Fatalf("got %+v, want immediate=%v at=%v", got, tt.immediate, tt.at)
			}
		})
	}
}

func TestParseStartNowIgnoresClock(t *testing.T) {
	t.Parallel()
	for _, now := range []time.Time{{}, time.Unix(0, 0), time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)} {
		if s, err := ParseStart("now", now, ist); err != nil || !s.Immediate() {
			t.Fatalf("now at %v: %v %v", now, s, err)
		}
	}
}

func TestParseEnd(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	explicit := StartAt(now.Add(time.Hour))

	tests := []struct {
		name       string
		in         string
		start      Start
		indefinite bool
		reason     Reason
	}{
		{name: "never", in: "NEVER", start: Immediate(), indefinite: true},
		{name: "end before now with immediate start", in: "2024-01-01 00:00:00", start: Immediate(), reason: ReasonNotAfterStart},
		{name: "end equal now", in: "2024-01-02 00:00:00", start: Immediate(), reason: ReasonNotAfterStart},
		{name: "after now", in: "2024-01-02 00:00:01", start: Immediate()},
		{name: "equal explicit start", in: "2024-01-02 01:00:00", start: explicit, reason: ReasonNotAfterStart},
		{name: "between now and start", in: "2024-01-02 00:30:00", start: explicit, reason: ReasonNotAfterStart},
		{name: "after explicit start", in: "2024-01-02 01:00:01", start: explicit},
		{name: "garbage", in: "later", start: Immediate(), reason: ReasonSyntax},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEnd(tt.in, tt.start, now, ist)
			if tt.reason != 0 {
				if reasonOf(err) != tt.reason {
					t.Fatalf("err = %v, want reason %s", err, tt.reason)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Indefinite() != tt.indefinite {
				t.Fatalf("indefinite = %v, want %v", got.Indefinite(), tt.indefinite)
			}
		})
	}
}

func TestFixedZone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		offset  int
		wantErr bool
	}{
		{in: "+05:30", offset: 19800},
		{in: "-08:00", offset: -28800},
		{in: "", offset: 0},
		{in: "UTC", offset: 0},
		{in: "05:30", wantErr: true},
		{in: "Asia/Kolkata", wantErr: true},
	}
	for _, tt := range tests {
		loc, err := FixedZone(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("FixedZone(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("FixedZone(%q): %v", tt.in, err)
		}
		_, off := time.Date(2024, 6, 1, 0, 0, 0, 0, loc).Zone()
		if off != tt.offset {
			t.Fatalf("FixedZone(%q) offset = %d, want %d", tt.in, off, tt.offset)
		}
	}
}

func TestFormatTimeRoundTrip(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	s := FormatTime(at, ist)
	if s != "2024-03-04 10:36:07" {
		t.Fatalf("FormatTime = %q", s)
	}
	back, err := ParseTime(s, ist)
	if err != nil || !back.Equal(at) {
		t.Fatalf("round trip = %v, %v", back, err)
	}
}

func TestJobSpecValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	base := JobSpec{Message: "hi", IntervalSeconds: 60, CreatedAt: now}

	ok := base
	ok.Start = StartAt(now.Add(time.Minute))
	ok.End = EndAt(now.Add(time.Hour))
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	pastStart := base
	pastStart.Start = StartAt(now)
	if reasonOf(pastStart.Validate()) != ReasonNotFuture {
		t.Fatal("start equal to creation must be rejected")
	}

	endBefore := base
	endBefore.End = EndAt(now)
	if reasonOf(endBefore.Validate()) != ReasonNotAfterStart {
		t.Fatal("end at creation with immediate start must be rejected")
	}

	blank := base
	blank.Message = "  "
	if reasonOf(blank.Validate()) != ReasonSyntax {
		t.Fatal("blank message must be rejected")
	}
}
