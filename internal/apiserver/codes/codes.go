// Package codes manages invite codes and access codes.
//
// Invite codes register user or admin accounts depending on their tier.
// Access codes register guest accounts scoped to a model list and owned by
// the host who minted them. Redemption is the only path that moves a code's
// use counter.
package codes

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/pkg/metrics"
	"go.uber.org/zap"
)

// Kind tells invite codes and access codes apart
type Kind string

const (
	KindInvite Kind = "invite"
	KindAccess Kind = "access"
)

// Reason explains why a code is not redeemable
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonExpired   Reason = "expired"
	ReasonExhausted Reason = "exhausted"
)

// Validation is the advisory result of Validate
type Validation struct {
	Valid  bool                `json:"valid"`
	Kind   Kind                `json:"kind,omitempty"`
	Tier   database.InviteTier `json:"tier,omitempty"`
	Reason Reason              `json:"reason,omitempty"`
}

// ModelAccess decides whether a user may use a model
type ModelAccess interface {
	CanAccessModel(ctx context.Context, user *database.User, modelID uint) (bool, error)
}

// CreateInviteParams describes a new invite code. An empty Code is generated.
type CreateInviteParams struct {
	Tier      database.InviteTier
	MaxUses   int
	ExpiresAt *time.Time
	Code      string
}

// CreateAccessParams describes a new access code
type CreateAccessParams struct {
	MaxUses         int
	AllowedModelIDs []uint
	ExpiresAt       *time.Time
	Code            string
}

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

const generateAttempts = 3

// Service is the code registry
type Service struct {
	db      database.Database
	access  ModelAccess
	logger  *zap.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// NewService creates a code registry
func NewService(db database.Database, access ModelAccess, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:      db,
		access:  access,
		logger:  logger.Named("codes"),
		metrics: m,
		nowFn:   time.Now,
	}
}

// CreateInviteCode mints an invite code. A nil creator is the system itself
// (command line bootstrap) and may mint any tier.
func (s *Service) CreateInviteCode(ctx context.Context, creator *database.User, p CreateInviteParams) (*database.InviteCode, error) {
	if p.Tier == "" {
		p.Tier = database.TierUser
	}
	if p.Tier != database.TierAdmin && p.Tier != database.TierUser {
		return nil, errorx.Validation("invalid invite code").WithField("tier", "must be admin or user")
	}
	if err := s.checkCommon(p.MaxUses, p.ExpiresAt, p.Code); err != nil {
		return nil, err
	}
	if err := s.authorizeMint(ctx, creator); err != nil {
		return nil, err
	}
	if p.Tier == database.TierAdmin && creator != nil && creator.Role != database.RoleAdmin {
		return nil, errorx.Forbidden("only administrators can create admin invite codes")
	}

	ic := &database.InviteCode{
		Tier:      p.Tier,
		MaxUses:   maxUsesOrDefault(p.MaxUses),
		ExpiresAt: p.ExpiresAt,
		CreatedBy: creatorID(creator),
	}
	err := s.insertWithCode(ctx, p.Code, s.accessCodeExists, func(code string) error {
		ic.Code = code
		return s.db.CreateInviteCode(ctx, ic)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("invite code created",
		zap.Uint("code_id", ic.ID),
		zap.String("tier", string(ic.Tier)),
		zap.Int("max_uses", ic.MaxUses),
		zap.Uint("created_by", ic.CreatedBy))
	return ic, nil
}

// CreateAccessCode mints a guest access code hosted by host
func (s *Service) CreateAccessCode(ctx context.Context, host *database.User, p CreateAccessParams) (*database.AccessCode, error) {
	if err := s.checkCommon(p.MaxUses, p.ExpiresAt, p.Code); err != nil {
		return nil, err
	}
	if err := s.authorizeMint(ctx, host); err != nil {
		return nil, err
	}

	ids := dedupe(p.AllowedModelIDs)
	for _, id := range ids {
		if _, err := s.db.GetModel(ctx, id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, errorx.Validation("invalid access code").
					WithField("allowedModelIds", "unknown model id").
					WithDetail("modelId", id)
			}
			return nil, errorx.Database(err)
		}
		if host == nil || host.Role == database.RoleAdmin {
			continue
		}
		ok, err := s.access.CanAccessModel(ctx, host, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errorx.Forbidden("cannot share a model you do not have access to").WithDetail("modelId", id)
		}
	}

	ac := &database.AccessCode{
		MaxUses:         maxUsesOrDefault(p.MaxUses),
		AllowedModelIDs: database.ModelIDs(ids),
		ExpiresAt:       p.ExpiresAt,
		CreatedBy:       creatorID(host),
	}
	err := s.insertWithCode(ctx, p.Code, s.inviteCodeExists, func(code string) error {
		ac.Code = code
		return s.db.CreateAccessCode(ctx, ac)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("access code created",
		zap.Uint("code_id", ac.ID),
		zap.Int("max_uses", ac.MaxUses),
		zap.Int("models", len(ids)),
		zap.Uint("created_by", ac.CreatedBy))
	return ac, nil
}

// Validate reports whether code could be redeemed right now, looking at
// invite codes first. The answer is advisory; only Redeem decides.
func (s *Service) Validate(ctx context.Context, code string) (Validation, error) {
	v, err := s.ValidateKind(ctx, code, KindInvite)
	if err != nil || v.Reason != ReasonNotFound {
		return v, err
	}
	return s.ValidateKind(ctx, code, KindAccess)
}

// ValidateKind is Validate restricted to one family of codes
func (s *Service) ValidateKind(ctx context.Context, code string, kind Kind) (Validation, error) {
	code = strings.TrimSpace(code)
	now := s.nowFn()

	if kind == KindInvite {
		ic, err := s.db.GetInviteCode(ctx, code)
		switch {
		case errors.Is(err, database.ErrNotFound):
			return Validation{Reason: ReasonNotFound}, nil
		case err != nil:
			return Validation{}, errorx.Database(err)
		}
		v := evaluate(now, ic.ExpiresAt, ic.CurrentUses, ic.MaxUses)
		v.Kind = KindInvite
		v.Tier = ic.Tier
		return v, nil
	}

	ac, err := s.db.GetAccessCode(ctx, code)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return Validation{Reason: ReasonNotFound}, nil
	case err != nil:
		return Validation{}, errorx.Database(err)
	}
	v := evaluate(now, ac.ExpiresAt, ac.CurrentUses, ac.MaxUses)
	v.Kind = KindAccess
	return v, nil
}

// RedeemInvite consumes one use of an invite code. It returns
// database.ErrCodeExhausted when the code is missing, expired or used up.
func (s *Service) RedeemInvite(ctx context.Context, code string) (*database.InviteCode, error) {
	ic, err := s.db.RedeemInviteCode(ctx, strings.TrimSpace(code), s.nowFn())
	s.metrics.CodeRedeemed(string(KindInvite), err == nil)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("invite code redeemed", zap.Uint("code_id", ic.ID), zap.Int("current_uses", ic.CurrentUses))
	return ic, nil
}

// RedeemAccess consumes one use of an access code
func (s *Service) RedeemAccess(ctx context.Context, code string) (*database.AccessCode, error) {
	ac, err := s.db.RedeemAccessCode(ctx, strings.TrimSpace(code), s.nowFn())
	s.metrics.CodeRedeemed(string(KindAccess), err == nil)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("access code redeemed", zap.Uint("code_id", ac.ID), zap.Int("current_uses", ac.CurrentUses))
	return ac, nil
}

// ListInviteCodes returns every code for admins and the viewer's own otherwise
func (s *Service) ListInviteCodes(ctx context.Context, viewer *database.User) ([]*database.InviteCode, error) {
	codes, err := s.db.ListInviteCodes(ctx, ownerFilter(viewer))
	if err != nil {
		return nil, errorx.Database(err)
	}
	return codes, nil
}

// ListAccessCodes returns every code for admins and the viewer's own otherwise
func (s *Service) ListAccessCodes(ctx context.Context, viewer *database.User) ([]*database.AccessCode, error) {
	codes, err := s.db.ListAccessCodes(ctx, ownerFilter(viewer))
	if err != nil {
		return nil, errorx.Database(err)
	}
	return codes, nil
}

func (s *Service) authorizeMint(ctx context.Context, creator *database.User) error {
	if creator == nil || creator.Role == database.RoleAdmin {
		return nil
	}
	if creator.Role == database.RoleGuest {
		return errorx.Forbidden("guests cannot create codes")
	}
	perm, err := s.db.GetPermission(ctx, creator.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errorx.Forbidden("sharing is not enabled for this account")
		}
		return errorx.Database(err)
	}
	if !perm.IsActive || !perm.CanShareAccess {
		return errorx.Forbidden("sharing is not enabled for this account")
	}
	return nil
}

func (s *Service) checkCommon(maxUses int, expiresAt *time.Time, code string) error {
	if maxUses < 0 {
		return errorx.Validation("invalid code").WithField("maxUses", "must be at least 1")
	}
	if expiresAt != nil && !expiresAt.After(s.nowFn()) {
		return errorx.Validation("invalid code").WithField("expiresAt", "must be in the future")
	}
	if code != "" && !codePattern.MatchString(code) {
		return errorx.Validation("invalid code").WithField("code", "must be 4-64 letters, digits, '-' or '_'")
	}
	return nil
}

func (s *Service) inviteCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := s.db.GetInviteCode(ctx, code)
	return found(err)
}

func (s *Service) accessCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := s.db.GetAccessCode(ctx, code)
	return found(err)
}

func found(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, database.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// insertWithCode stores the row under the supplied code, or under generated
// codes until one does not collide. A code is unique across both families,
// so taken checks the other family's table first.
func (s *Service) insertWithCode(ctx context.Context, supplied string, taken func(context.Context, string) (bool, error), insert func(code string) error) error {
	if supplied != "" {
		clash, err := taken(ctx, supplied)
		if err != nil {
			return errorx.Database(err)
		}
		if clash {
			return errorx.Conflict("code already exists").WithField("code", "already exists")
		}
		err = insert(supplied)
		if errors.Is(err, database.ErrDuplicate) {
			return errorx.Conflict("code already exists").WithField("code", "already exists")
		}
		if err != nil {
			return errorx.Database(err)
		}
		return nil
	}

	var err error
	for i := 0; i < generateAttempts; i++ {
		var code string
		if code, err = Generate(); err != nil {
			return errorx.Internal(err)
		}
		clash, terr := taken(ctx, code)
		if terr != nil {
			return errorx.Database(terr)
		}
		if clash {
			err = database.ErrDuplicate
			continue
		}
		if err = insert(code); !errors.Is(err, database.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		return errorx.Database(err)
	}
	return nil
}

// Generate returns a random code of 16 base32 characters in groups of four
func Generate() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := base32.StdEncoding.EncodeToString(buf)
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12] + "-" + raw[12:16], nil
}

func evaluate(now time.Time, expiresAt *time.Time, currentUses, maxUses int) Validation {
	switch {
	case expiresAt != nil && !expiresAt.After(now):
		return Validation{Reason: ReasonExpired}
	case currentUses >= maxUses:
		return Validation{Reason: ReasonExhausted}
	default:
		return Validation{Valid: true}
	}
}

func ownerFilter(viewer *database.User) *uint {
	if viewer == nil || viewer.Role == database.RoleAdmin {
		return nil
	}
	id := viewer.ID
	return &id
}

func creatorID(u *database.User) uint {
	if u == nil {
		return 0
	}
	return u.ID
}

func maxUsesOrDefault(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
