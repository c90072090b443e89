package bot

import (
	"errors"
	"fmt"
	"time"

	"greetbot/internal/conversation"
	"greetbot/internal/task/scheduler"
)

const (
	textWelcome = "Hi! I send greeting images with a fresh quote.\n\n" +
		"/greet [caption] sends one right away.\n" +
		"/schedule sets up a recurring greeting.\n" +
		"/schedules lists this chat's schedules; reply \"cancel\" to one to stop it.\n" +
		"/help shows all commands."
	textGreetFailed      = "Sorry, I couldn't make a greeting right now. Please try again later."
	textNoSchedules      = "There are no active schedules in this chat."
	textNothingToCancel  = "There is no schedule being set up."
	textSetupCancelled   = "Schedule setup cancelled."
	textWindowClosed     = "That schedule would never fire: its end time has already passed. Nothing was scheduled."
	textRegisterFailed   = "Sorry, the schedule could not be created."
	textSchedulesPartial = "Some schedules could not be shown. Please try /schedules again."
)

// prompt is the question asked while a session waits in state st.
func prompt(st conversation.State, loc *time.Location) string {
	switch st {
	case conversation.AwaitingMessage:
		return "What caption should the greeting carry? (e.g. Good Morning!)\nSend /cancel to stop."
	case conversation.AwaitingInterval:
		return "How often should it be sent? Reply with the interval in seconds (86400 is daily)."
	case conversation.AwaitingStart:
		return fmt.Sprintf("When should it start? Reply \"now\" or a time like %s (%s).",
			scheduler.TimeLayout, zoneName(loc))
	case conversation.AwaitingEnd:
		return fmt.Sprintf("When should it end? Reply \"never\" or a time like %s (%s).",
			scheduler.TimeLayout, zoneName(loc))
	default:
		return ""
	}
}

// problem explains a rejected input in user terms.
func problem(err error) string {
	var ve *scheduler.ValidationError
	if !errors.As(err, &ve) {
		return "That input was not accepted."
	}
	switch ve.Field {
	case scheduler.FieldMessage:
		return "The caption can't be empty."
	case scheduler.FieldInterval:
		if ve.Reason == scheduler.ReasonNotPositive {
			return "The interval must be greater than zero."
		}
		return "The interval must be a whole number of seconds."
	case scheduler.FieldStart:
		if ve.Reason == scheduler.ReasonNotFuture {
			return "The start time must be in the future."
		}
		return "I couldn't read that start time."
	case scheduler.FieldEnd:
		if ve.Reason == scheduler.ReasonNotAfterStart {
			return "The end time must be after the start time."
		}
		return "I couldn't read that end time."
	}
	return "That input was not accepted."
}

func confirmation(id string) string {
	return "Scheduled with ID " + id + ".\nUse /schedules to see it or cancel it."
}

func zoneName(loc *time.Location) string {
	if loc == nil {
		return "UTC"
	}
	return loc.String()
}
