package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"accountpool/internal/bus"
	"accountpool/internal/directory"
	"accountpool/internal/event"
	"accountpool/internal/jobrunner"
	"accountpool/internal/settings"
	"accountpool/pkg/platform/retry"
	"accountpool/pkg/platform/sentinel"
)

var (
	transitionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_lifecycle_transitions_total",
		Help: "Account state transitions applied",
	}, []string{"from", "to"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountpool_lifecycle_dropped_total",
		Help: "Lifecycle events dropped without advancing state",
	}, []string{"reason"})
)

// Config carries the state machine's explicit configuration. There is no
// process-wide settings object; everything arrives at construction time.
type Config struct {
	Environment   string
	ManagedParent string
}

// Service advances account lifecycle state in reaction to bus events. All
// durable state lives in the directory's tags; every transition is
// conditioned on the account's current tag value, which keeps re-delivery
// and out-of-order delivery safe without mutual exclusion.
type Service struct {
	dir       directory.Gateway
	runner    jobrunner.Runner
	publisher bus.Publisher
	settings  *settings.Resolver
	cfg       Config
	policy    retry.Policy
	clock     event.Clock
	logger    *slog.Logger
	shadow    *shadowCache
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clock event.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func New(dir directory.Gateway, runner jobrunner.Runner, publisher bus.Publisher, resolver *settings.Resolver, cfg Config, opts ...Option) (*Service, error) {
	if dir == nil {
		return nil, fmt.Errorf("directory gateway is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("job runner is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("bus publisher is required")
	}
	if resolver == nil {
		resolver = settings.NewResolver(settings.File{})
	}
	s := &Service{
		dir:       dir,
		runner:    runner,
		publisher: publisher,
		settings:  resolver,
		cfg:       cfg,
		policy:    retry.Default(),
		logger:    slog.Default(),
		shadow:    newShadowCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleEvent is the state machine's entry point. It never returns an error:
// decode-level validation happened upstream, and everything here resolves to
// an acknowledgement so the bus never redelivers business outcomes.
func (s *Service) HandleEvent(ctx context.Context, ev event.Decoded) event.Ack {
	s.shadow.observe(ev, s.clock.Now())

	switch {
	case ev.TagChange():
		return s.handleTagChange(ctx, ev)
	case ev.Label == event.LabelJobCompleted:
		return s.handleJobCompleted(ctx, ev)
	default:
		// Lifecycle and report events only feed the shadow cache here.
		return event.AckOK()
	}
}

func (s *Service) handleTagChange(ctx context.Context, ev event.Decoded) event.Ack {
	raw, ok := ev.Tags[directory.StateTagKey]
	if !ok {
		return event.AckIgnored("NoStateTag")
	}
	observed, err := directory.ParseState(raw)
	if err != nil {
		s.logger.Warn("invalid state tag", "account", ev.Account, "value", raw)
		eventsDropped.WithLabelValues("invalid_state_tag").Inc()
		return event.AckError("InvalidStateTag")
	}

	acct, ack, ok := s.observe(ctx, ev.Account)
	if !ok {
		return ack
	}

	switch observed {
	case directory.StateVanilla:
		return s.assign(ctx, acct)
	case directory.StateAssigned:
		return s.release(ctx, acct)
	case directory.StateReleased:
		return s.expire(ctx, acct)
	case directory.StateExpired:
		return s.purge(ctx, acct)
	default:
		return event.AckError("InvalidStateTag")
	}
}

// assign moves Vanilla → Assigned: default and configured tags, holder
// validation, re-tag, CreatedAccount.
func (s *Service) assign(ctx context.Context, acct directory.Account) event.Ack {
	switch acct.State() {
	case directory.StateVanilla:
	case directory.StateAssigned:
		return s.duplicate(acct, directory.StateAssigned)
	default:
		return s.unexpected(acct, directory.StateVanilla)
	}

	if s.cfg.ManagedParent != "" && acct.Parent != s.cfg.ManagedParent {
		// Accounts outside the managed unit are someone else's concern.
		s.logger.Debug("account outside managed unit", "account", acct.ID, "parent", acct.Parent)
		eventsDropped.WithLabelValues("unmanaged_parent").Inc()
		return event.AckIgnored("UnmanagedParent")
	}

	rec := s.settings.ForAccount(acct.ID, acct.Parent)
	for key, value := range s.settings.DefaultTags() {
		if err := s.applyTag(ctx, acct.ID, key, value); err != nil {
			return s.unobservable(acct.ID, err)
		}
	}
	// Configured tags win over the defaults.
	for key, value := range rec.Tags {
		if err := s.applyTag(ctx, acct.ID, key, value); err != nil {
			return s.unobservable(acct.ID, err)
		}
	}

	holder := acct.Tags[directory.HolderTagKey]
	if holder == "" {
		holder = acct.Holder
	}
	if !strings.Contains(holder, "@") {
		s.logger.Warn("account has no usable holder", "account", acct.ID)
		eventsDropped.WithLabelValues("missing_holder").Inc()
		return event.AckError("MissingHolder")
	}
	if err := s.applyTag(ctx, acct.ID, directory.HolderTagKey, holder); err != nil {
		return s.unobservable(acct.ID, err)
	}

	return s.advance(ctx, acct, directory.StateAssigned, event.LabelCreatedAccount)
}

// release moves Assigned → Released, through the preparation job when the
// account's settings enable it.
func (s *Service) release(ctx context.Context, acct directory.Account) event.Ack {
	switch acct.State() {
	case directory.StateAssigned:
	case directory.StateReleased:
		return s.duplicate(acct, directory.StateReleased)
	default:
		return s.unexpected(acct, directory.StateAssigned)
	}

	rec := s.settings.ForAccount(acct.ID, acct.Parent)
	if !rec.Preparation.Enabled {
		return s.advance(ctx, acct, directory.StateReleased, event.LabelAssignedAccount)
	}
	if err := s.startJob(ctx, jobrunner.KindPrepare, acct, rec.Preparation.Variables); err != nil {
		return s.unobservable(acct.ID, err)
	}
	// Re-tagging waits for the runner's completion event.
	return event.AckOK()
}

// expire moves Released → Expired.
func (s *Service) expire(ctx context.Context, acct directory.Account) event.Ack {
	switch acct.State() {
	case directory.StateReleased:
	case directory.StateExpired:
		return s.duplicate(acct, directory.StateExpired)
	default:
		return s.unexpected(acct, directory.StateReleased)
	}
	return s.advance(ctx, acct, directory.StateExpired, event.LabelExpiredAccount)
}

// purge returns an Expired account to the pool, through the teardown job
// when enabled. The holder tag is dropped so the account comes back vanilla.
func (s *Service) purge(ctx context.Context, acct directory.Account) event.Ack {
	switch acct.State() {
	case directory.StateExpired:
	case directory.StateVanilla:
		return s.duplicate(acct, directory.StateVanilla)
	default:
		return s.unexpected(acct, directory.StateExpired)
	}

	rec := s.settings.ForAccount(acct.ID, acct.Parent)
	if !rec.Purge.Enabled {
		return s.returnToPool(ctx, acct)
	}
	if err := s.startJob(ctx, jobrunner.KindPurge, acct, rec.Purge.Variables); err != nil {
		return s.unobservable(acct.ID, err)
	}
	return event.AckOK()
}

func (s *Service) handleJobCompleted(ctx context.Context, ev event.Decoded) event.Ack {
	if ev.Status != event.JobSucceeded {
		s.logger.Error("job failed", "account", ev.Account, "job", ev.Job, "message", ev.Message)
		eventsDropped.WithLabelValues("job_failed").Inc()
		// The open transaction stays put; the watchdog reports the timeout.
		return event.AckIgnored("JobFailed")
	}

	acct, ack, ok := s.observe(ctx, ev.Account)
	if !ok {
		return ack
	}

	switch kindOfJob(ev.Job) {
	case jobrunner.KindPrepare:
		switch acct.State() {
		case directory.StateAssigned:
		case directory.StateReleased:
			return s.duplicate(acct, directory.StateReleased)
		default:
			return s.unexpected(acct, directory.StateAssigned)
		}
		if ack := s.advance(ctx, acct, directory.StateReleased, event.LabelAssignedAccount); ack.Outcome != event.OutcomeOK {
			return ack
		}
		return s.emit(ctx, event.LabelPreparedAccount, acct.ID, ev.Message)
	case jobrunner.KindPurge:
		switch acct.State() {
		case directory.StateExpired:
		case directory.StateVanilla:
			return s.duplicate(acct, directory.StateVanilla)
		default:
			return s.unexpected(acct, directory.StateExpired)
		}
		return s.returnToPool(ctx, acct)
	default:
		return event.AckError("UnknownJob")
	}
}

// returnToPool strips the holder and re-tags to vanilla, emitting
// PurgedAccount.
func (s *Service) returnToPool(ctx context.Context, acct directory.Account) event.Ack {
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.dir.RemoveTags(ctx, acct.ID, directory.HolderTagKey)
	})
	if err != nil {
		return s.unobservable(acct.ID, err)
	}
	return s.advance(ctx, acct, directory.StateVanilla, event.LabelPurgedAccount)
}

// advance re-tags the account to the target state and emits the resulting
// event. The tag write is the commit point; nothing partial precedes it
// that a retry could not safely repeat.
func (s *Service) advance(ctx context.Context, acct directory.Account, target directory.State, emit event.Label) event.Ack {
	if err := s.applyTag(ctx, acct.ID, directory.StateTagKey, target.String()); err != nil {
		return s.unobservable(acct.ID, err)
	}
	transitionsApplied.WithLabelValues(acct.State().String(), target.String()).Inc()
	s.logger.Info("account transitioned",
		"account", acct.ID, "from", acct.State().String(), "to", target.String())
	return s.emit(ctx, emit, acct.ID, "")
}

func (s *Service) emit(ctx context.Context, label event.Label, accountID, message string) event.Ack {
	env := event.New(label, accountID, s.cfg.Environment)
	env.Detail.Message = message
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.logger.Error("publish failed", "label", label, "account", accountID, "error", err)
		return event.AckError("PublishFailed")
	}
	return event.AckOK()
}

func (s *Service) startJob(ctx context.Context, kind jobrunner.Kind, acct directory.Account, vars map[string]string) error {
	var identity jobrunner.IdentityRef
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		identity, err = s.runner.EnsureRunnerIdentity(ctx, kind)
		return err
	})
	if err != nil {
		return err
	}

	name := jobrunner.JobName(kind, acct.ID)
	spec := jobrunner.JobSpec{Account: acct.ID, Variables: vars}
	// Identity propagation is eventually consistent; the bounded retry
	// absorbs ErrNotPropagated.
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.runner.EnsureJobDefinition(ctx, name, spec, identity)
	})
	if err != nil {
		return err
	}
	return s.runner.Run(ctx, name)
}

// observe loads the account's current view, translating directory failures
// into "currently unobservable" acknowledgements.
func (s *Service) observe(ctx context.Context, accountID string) (directory.Account, event.Ack, bool) {
	var acct directory.Account
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		acct, err = s.dir.Describe(ctx, accountID)
		return err
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		eventsDropped.WithLabelValues("unknown_account").Inc()
		return directory.Account{}, event.AckIgnored("UnknownAccount"), false
	}
	if err != nil {
		return directory.Account{}, s.unobservable(accountID, err), false
	}
	return acct, event.Ack{}, true
}

func (s *Service) applyTag(ctx context.Context, accountID, key, value string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.dir.ApplyTag(ctx, accountID, key, value)
	})
}

func (s *Service) duplicate(acct directory.Account, target directory.State) event.Ack {
	// Already in the target state: at-least-once delivery replayed an event
	// whose work is done. Same end tags, no duplicate downstream event.
	s.logger.Debug("duplicate delivery", "account", acct.ID, "state", target.String())
	return event.AckIgnored("AlreadyInState")
}

func (s *Service) unexpected(acct directory.Account, want directory.State) event.Ack {
	// A more recent event already advanced the account; drop, don't retry.
	s.logger.Warn("unexpected current state",
		"account", acct.ID, "state", acct.State().String(), "want", want.String())
	eventsDropped.WithLabelValues("unexpected_state").Inc()
	return event.AckIgnored("UnexpectedState")
}

func (s *Service) unobservable(accountID string, err error) event.Ack {
	s.logger.Error("account unobservable", "account", accountID, "error", err)
	eventsDropped.WithLabelValues("unobservable").Inc()
	return event.AckError("Unobservable")
}

func kindOfJob(name string) jobrunner.Kind {
	if strings.HasPrefix(name, string(jobrunner.KindPurge)) {
		return jobrunner.KindPurge
	}
	if strings.HasPrefix(name, string(jobrunner.KindPrepare)) {
		return jobrunner.KindPrepare
	}
	return ""
}
