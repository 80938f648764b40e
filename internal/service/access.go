package service

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	"github.com/novamd/bridge-server-go/internal/config"
	"github.com/novamd/bridge-server-go/internal/database"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/util"
)

const (
	AccessCodePrefix   = "NOVA-"
	accessCodeLength   = 8
	codeCreateAttempts = 5
	day                = 24 * time.Hour
)

var accessCodePattern = regexp.MustCompile(`^NOVA-[A-Z0-9]{7,8}$`)

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// AccessService is the access gate: it issues and redeems codes, tracks
// subscriptions and trials, and decides whether a session is persistent.
type AccessService struct {
	db          TxRunner
	codes       repository.AccessCodeRepository
	subs        repository.SubscriptionRepository
	trials      repository.TrialRepository
	limiter     AttemptLimiter
	trialWindow time.Duration
	now         func() time.Time
}

func NewAccessService(
	db TxRunner,
	codes repository.AccessCodeRepository,
	subs repository.SubscriptionRepository,
	trials repository.TrialRepository,
	limiter AttemptLimiter,
	trialWindow time.Duration,
) *AccessService {
	return &AccessService{
		db:          db,
		codes:       codes,
		subs:        subs,
		trials:      trials,
		limiter:     limiter,
		trialWindow: trialWindow,
		now:         time.Now,
	}
}

func (s *AccessService) IssueCode(ctx context.Context, plan model.Plan, durationDays int, issuer string) (*model.AccessCode, error) {
	if days, ok := plan.DurationDays(); ok {
		durationDays = days
	} else if plan != model.PlanCustom {
		return nil, apperrors.InvalidInput("plan", "unknown plan")
	} else if durationDays <= 0 {
		return nil, apperrors.InvalidInput("durationDays", "custom plans need a positive duration")
	}

	now := s.now()
	var code string
	for attempt := 0; attempt < codeCreateAttempts; attempt++ {
		candidate, err := util.RandomCode(AccessCodePrefix, accessCodeLength)
		if err != nil {
			return nil, apperrors.Internal("failed to generate access code").WithCause(err)
		}
		existing, err := s.codes.FindByCode(ctx, candidate)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if existing == nil {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, apperrors.Internal("could not allocate a unique access code")
	}

	ac, err := s.codes.Create(ctx, model.CreateAccessCodeParams{
		Code:         code,
		Plan:         plan,
		DurationDays: durationDays,
		ExpiresAt:    now.Add(time.Duration(durationDays) * day),
		CreatedBy:    issuer,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:  audit.EventCodeIssue,
		Actor: issuer,
		Details: map[string]interface{}{
			"code":         util.MaskCode(code),
			"plan":         string(plan),
			"durationDays": durationDays,
		},
	})

	return ac, nil
}

// RedeemCode binds code to userID and grants access. Redeeming a code the
// same user already holds returns the existing grant.
func (s *AccessService) RedeemCode(ctx context.Context, code, userID string) (*model.Subscription, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !accessCodePattern.MatchString(code) {
		return nil, apperrors.InvalidCode()
	}

	if s.limiter != nil {
		if allowed, _ := s.limiter.CheckLimit(ctx, userID, config.RedeemAttemptLimit, config.RedeemAttemptWindow); !allowed {
			audit.Log(ctx, audit.Event{Type: audit.EventRateLimitExceed, UserID: userID})
			return nil, apperrors.RateLimitExceeded()
		}
	}

	now := s.now()
	var grant *model.Subscription
	var repaired bool

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		codes := s.codes.WithTx(tx)
		subs := s.subs.WithTx(tx)

		ac, err := codes.FindByCodeForUpdate(ctx, code)
		if err != nil {
			return apperrors.Database(err)
		}
		if ac == nil {
			return apperrors.InvalidCode()
		}

		if ac.Used {
			if ac.UsedBy == nil || *ac.UsedBy != userID {
				return apperrors.AlreadyUsedByOther()
			}
			existing, err := subs.FindByAccessCode(ctx, code)
			if err != nil {
				return apperrors.Database(err)
			}
			if existing != nil {
				grant = existing
				return nil
			}
			// Code marked used without a grant: finish the redemption.
			start := now
			if ac.UsedAt != nil {
				start = *ac.UsedAt
			}
			grant, err = subs.Create(ctx, model.CreateSubscriptionParams{
				UserID:     userID,
				Plan:       ac.Plan,
				StartDate:  start,
				EndDate:    start.Add(time.Duration(ac.DurationDays) * day),
				AccessCode: code,
			})
			if err != nil {
				return apperrors.Database(err)
			}
			repaired = true
			return nil
		}

		if !now.Before(ac.ExpiresAt) {
			return apperrors.InvalidCode()
		}

		ok, err := codes.MarkUsed(ctx, code, userID, now)
		if err != nil {
			return apperrors.Database(err)
		}
		if !ok {
			return apperrors.AlreadyUsedByOther()
		}

		end := now.Add(time.Duration(ac.DurationDays) * day)
		current, err := subs.FindActiveByUserID(ctx, userID)
		if err != nil {
			return apperrors.Database(err)
		}
		if current != nil {
			if current.EndDate.After(now) {
				end = current.EndDate.Add(time.Duration(ac.DurationDays) * day)
			}
			if err := subs.Cancel(ctx, current.ID); err != nil {
				return apperrors.Database(err)
			}
		}

		grant, err = subs.Create(ctx, model.CreateSubscriptionParams{
			UserID:     userID,
			Plan:       ac.Plan,
			StartDate:  now,
			EndDate:    end,
			AccessCode: code,
		})
		if err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
	if err != nil {
		if !apperrors.IsAppError(err) {
			err = apperrors.Database(err)
		}
		if apperrors.Is(err, apperrors.ErrCodeInvalidCode) || apperrors.Is(err, apperrors.ErrCodeAlreadyUsedByOther) {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventCodeReject,
				UserID:  userID,
				Details: map[string]interface{}{"code": util.MaskCode(code), "reason": string(apperrors.GetCode(err))},
			})
		}
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:   audit.EventCodeRedeem,
		UserID: userID,
		Details: map[string]interface{}{
			"code":     util.MaskCode(code),
			"plan":     string(grant.Plan),
			"endDate":  grant.EndDate,
			"repaired": repaired,
		},
	})

	return grant, nil
}

// CheckAccess never fails: datastore errors read as "no access".
func (s *AccessService) CheckAccess(ctx context.Context, userID string) model.AccessStatus {
	now := s.now()

	sub, err := s.subs.FindActiveByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("check access: load subscription")
		return model.AccessStatus{}
	}
	if sub != nil && sub.EndDate.After(now) {
		end := sub.EndDate
		return model.AccessStatus{
			HasAccess:  true,
			Persistent: true,
			DaysLeft:   daysBetween(now, end),
			Plan:       sub.Plan,
			EndDate:    &end,
		}
	}

	trial, err := s.trials.FindByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("check access: load trial")
		return model.AccessStatus{}
	}
	if trial != nil && trial.ExpiresAt.After(now) {
		end := trial.ExpiresAt
		return model.AccessStatus{
			HasAccess: true,
			Trial:     true,
			DaysLeft:  daysBetween(now, end),
			EndDate:   &end,
		}
	}

	return model.AccessStatus{}
}

// EnsureTrial starts the one-off trial for userID. An expired trial is never renewed.
func (s *AccessService) EnsureTrial(ctx context.Context, userID string) (*model.Trial, error) {
	now := s.now()
	trial, created, err := s.trials.CreateIfAbsent(ctx, userID, now, now.Add(s.trialWindow))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if trial == nil {
		return nil, apperrors.Internal("trial row missing after insert")
	}
	if !created && !trial.ExpiresAt.After(now) {
		return nil, apperrors.TrialExhausted()
	}
	if created {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventTrialStart,
			UserID:  userID,
			Details: map[string]interface{}{"expiresAt": trial.ExpiresAt},
		})
	}
	return trial, nil
}

// Authorize returns the caller's access, starting a trial for unknown users.
func (s *AccessService) Authorize(ctx context.Context, userID string) (model.AccessStatus, error) {
	status := s.CheckAccess(ctx, userID)
	if status.HasAccess {
		return status, nil
	}

	trial, err := s.EnsureTrial(ctx, userID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeTrialExhausted) {
			return model.AccessStatus{}, err
		}
		return model.AccessStatus{}, apperrors.AccessDenied("unable to verify access").WithCause(err)
	}

	end := trial.ExpiresAt
	return model.AccessStatus{
		HasAccess: true,
		Trial:     true,
		DaysLeft:  daysBetween(s.now(), end),
		EndDate:   &end,
	}, nil
}

func (s *AccessService) Cancel(ctx context.Context, userID, actor string) error {
	sub, err := s.subs.FindActiveByUserID(ctx, userID)
	if err != nil {
		return apperrors.Database(err)
	}
	if sub == nil {
		return apperrors.NotFound("Subscription")
	}
	if err := s.subs.Cancel(ctx, sub.ID); err != nil {
		return apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventGrantCancel,
		UserID:  userID,
		Actor:   actor,
		Details: map[string]interface{}{"plan": string(sub.Plan)},
	})
	return nil
}

func (s *AccessService) ExpireSubscriptions(ctx context.Context) (int64, error) {
	return s.subs.ExpireDue(ctx, s.now())
}

func (s *AccessService) ListActive(ctx context.Context) ([]model.Subscription, error) {
	subs, err := s.subs.ListActive(ctx, s.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return subs, nil
}

func (s *AccessService) Stats(ctx context.Context) (model.AccessStats, error) {
	var stats model.AccessStats
	var err error
	now := s.now()

	if stats.ActiveSubscriptions, err = s.subs.CountActive(ctx, now); err != nil {
		return stats, apperrors.Database(err)
	}
	if stats.TotalCodes, err = s.codes.CountAll(ctx); err != nil {
		return stats, apperrors.Database(err)
	}
	if stats.UsedCodes, err = s.codes.CountUsed(ctx); err != nil {
		return stats, apperrors.Database(err)
	}
	if stats.ActiveTrials, err = s.trials.CountActive(ctx, now); err != nil {
		return stats, apperrors.Database(err)
	}
	return stats, nil
}

// daysBetween rounds partial days up so a grant ending later today still shows one day.
func daysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(math.Ceil(to.Sub(from).Hours() / 24))
}
