package core

import "github.com/rs/zerolog/log"

type NoticeKind int

const (
	NoticeSuccess NoticeKind = iota
	NoticeError
)

// Notifier surfaces transient user-visible notices (toasts). External-call
// failures are converted to notices at the call site and never propagate as
// panics.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// LogNotifier writes notices to the log; used where no client is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(kind NoticeKind, message string) {
	if kind == NoticeError {
		log.Warn().Str("module", "core.notify").Msg(message)
		return
	}
	log.Info().Str("module", "core.notify").Msg(message)
}
