package admission

import (
	"fmt"
	"time"

	"github.com/developingchet/postguard/internal/event"
)

// Outcome is the pipeline's final decision.
type Outcome int

const (
	Admit Outcome = iota
	Throttle
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "ADMIT"
	case Throttle:
		return "THROTTLE"
	case Reject:
		return "REJECT"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Reason codes.
const (
	CodeAdmitted             = "admitted"
	CodeRateLimited          = "rate_limited"
	CodeFlood                = "flood_protection"
	CodeBanned               = "banned"
	CodeBanLookupUnavailable = "ban_lookup_unavailable"
	CodeAnonymizingNetwork   = "anonymizing_network"
	CodeInvalidContent       = "invalid_content"
	CodeProhibitedContent    = "prohibited_content"
	CodeSpam                 = "spam"
	CodeChallengeFailed      = "challenge_failed"
)

// User-facing messages that are not owned by a stage package.
const (
	MsgRateLimited     = "Rate limit exceeded"
	MsgFlood           = "Flood protection triggered"
	MsgUnavailable     = "temporarily unavailable"
	MsgInvalidContent  = "Invalid content"
	MsgChallengeFailed = "Captcha verification failed"
)

// Stage names, used for metrics, logs and the state machine.
const (
	StageRate       = "rate"
	StageFlood      = "flood"
	StageBan        = "ban"
	StageReputation = "reputation"
	StageSanitize   = "sanitize"
	StageContent    = "content"
	StageChallenge  = "challenge"
)

// State is a node of the admission state machine.
type State string

const (
	StateStart            State = "START"
	StateIdentityResolved State = "IDENTITY_RESOLVED"
	StateRateOK           State = "RATE_OK"
	StateFloodOK          State = "FLOOD_OK"
	StateBanOK            State = "BAN_OK"
	StateReputationOK     State = "REPUTATION_OK"
	StateContentOK        State = "CONTENT_OK"
	StateChallengeOK      State = "CHALLENGE_OK"
	StateAdmitted         State = "ADMITTED"
	StateDenied           State = "DENIED"
)

// Verdict is produced once per submission and never persisted.
type Verdict struct {
	Outcome    Outcome
	Code       string
	Reason     string        // human-readable, safe to show the client
	RetryAfter time.Duration // zero unless throttled
	Stage      string        // stage that denied, "" when admitted
	State      State         // last state reached

	// Sanitized text, set only on ADMIT.
	Title   string
	Content string
}

// Admitted reports whether the submission may proceed to the content store.
func (v Verdict) Admitted() bool { return v.Outcome == Admit }

// Denial is returned by a stage that stops the pipeline. It is a value, not
// an operational error.
type Denial struct {
	Stage      string
	Outcome    Outcome
	Code       string
	Reason     string
	RetryAfter time.Duration
	Event      event.Kind
	Detail     map[string]string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Stage, d.Reason)
}
