package countdown

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"greetbot/internal/task/scheduler"
)

// IDPrefix starts the first line of every detail message. The reply-cancel
// path reads the job id back from it.
const IDPrefix = "Schedule ID: "

const CancelledFooter = "This schedule has been cancelled."

var jobIDPattern = regexp.MustCompile(`^-?\d+_\d+$`)

// DetailText renders a job without footer.
func DetailText(job scheduler.Job, loc *time.Location) string {
	spec := job.Spec
	start := "now (" + scheduler.FormatTime(spec.CreatedAt, loc) + ")"
	if !spec.Start.Immediate() {
		start = scheduler.FormatTime(spec.Start.At(), loc)
	}
	end := "indefinite"
	if !spec.End.Indefinite() {
		end = scheduler.FormatTime(spec.End.At(), loc)
	}

	var b strings.Builder
	b.WriteString(IDPrefix + job.ID + "\n")
	fmt.Fprintf(&b, "Created by: %s\n", spec.CreatorName)
	fmt.Fprintf(&b, "Message: %s\n", spec.Message)
	fmt.Fprintf(&b, "Interval: %d seconds\n", spec.IntervalSeconds)
	fmt.Fprintf(&b, "Start: %s\n", start)
	fmt.Fprintf(&b, "End: %s", end)
	if !job.NextFire.IsZero() {
		fmt.Fprintf(&b, "\nNext: %s", scheduler.FormatTime(job.NextFire, loc))
	}
	return b.String()
}

func Footer(remaining int) string {
	return fmt.Sprintf("Reply \"cancel\" to this message within %d seconds to cancel this schedule.", remaining)
}

func withFooter(base, footer string) string {
	if footer == "" {
		return base
	}
	return base + "\n\n" + footer
}

// ParseJobID extracts the id from a detail message's first line.
func ParseJobID(text string) (string, bool) {
	line, _, _ := strings.Cut(text, "\n")
	rest, ok := strings.CutPrefix(line, IDPrefix)
	if !ok {
		return "", false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || !jobIDPattern.MatchString(fields[0]) {
		return "", false
	}
	return fields[0], true
}

// IsCancelWord reports whether a reply body asks for cancellation.
func IsCancelWord(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "cancel")
}
