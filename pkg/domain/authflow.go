package domain

// AuthFlowState describes where the user sits in a multi-step auth flow.
// It is passed through the navigation layer instead of ad hoc flags so every
// consumer sees one authoritative value.
type AuthFlowState interface {
	authFlow()
}

// FlowIdle is the default state: no auth flow in progress.
type FlowIdle struct{}

// FlowAwaitingProfileCompletion means the user authenticated but has no
// profile record yet and must finish onboarding.
type FlowAwaitingProfileCompletion struct{}

// FlowResuming means the user was interrupted mid-flow and should return to
// ReturnPath after signing in again.
type FlowResuming struct {
	ReturnPath string
}

func (FlowIdle) authFlow()                      {}
func (FlowAwaitingProfileCompletion) authFlow() {}
func (FlowResuming) authFlow()                  {}

// Navigator is implemented by the hosting shell. The core never renders UI;
// it only asks the shell to move the user somewhere.
type Navigator interface {
	GoToSignIn(state AuthFlowState)
	GoToOnboarding(state AuthFlowState)
}

// Notifier surfaces user-visible notices. Notice is informational (for
// example "session expired"); RetryableError tells the user the action can
// be attempted again.
type Notifier interface {
	Notice(message string)
	RetryableError(message string)
}
