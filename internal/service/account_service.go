package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/sefazor/cutout-backend/internal/repository"
	"github.com/sefazor/cutout-backend/pkg/webhook"
	"go.uber.org/zap"
)

const identityProvider = "identity"

type AccountService struct {
	store       *repository.Store
	notifier    Notifier
	verifier    IdentityVerifier
	signupBonus int
	log         *zap.Logger
}

// NewAccountService builds the service. A nil verifier rejects every identity webhook.
func NewAccountService(store *repository.Store, notifier Notifier, verifier IdentityVerifier, signupBonus int, log *zap.Logger) *AccountService {
	return &AccountService{
		store:       store,
		notifier:    notifier,
		verifier:    verifier,
		signupBonus: signupBonus,
		log:         log,
	}
}

// Provision returns the account for identity, creating it with the signup
// bonus on first sight.
func (s *AccountService) Provision(ctx context.Context, identity models.Identity) (*models.Account, error) {
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.ExternalID == "" || identity.Email == "" {
		return nil, ErrInvalidArgument
	}

	account, created, err := s.store.Accounts().GetOrCreate(ctx, identity, s.signupBonus)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("account created",
			zap.Uint("account_id", account.ID),
			zap.String("external_id", account.ExternalID),
			zap.Int("signup_bonus", s.signupBonus))
		if s.notifier != nil {
			if err := s.notifier.SendWelcomeEmail(ctx, recipientOf(account), s.signupBonus); err != nil {
				s.log.Warn("failed to send welcome email", zap.Uint("account_id", account.ID), zap.Error(err))
			}
		}
	}
	return account, nil
}

func (s *AccountService) Profile(ctx context.Context, accountID uint) (*models.Account, error) {
	account, err := s.store.Accounts().GetByID(ctx, accountID)
	if err != nil {
		return nil, accountErr(err)
	}
	return account, nil
}

func (s *AccountService) UpdateProfile(ctx context.Context, accountID uint, req models.UpdateProfileRequest) (*models.Account, error) {
	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	if firstName == "" || lastName == "" {
		return nil, ErrInvalidArgument
	}
	account, err := s.store.Accounts().UpdateProfile(ctx, accountID, firstName, lastName)
	if err != nil {
		return nil, accountErr(err)
	}
	return account, nil
}

type identityEvent struct {
	Type string       `json:"type"`
	Data identityUser `json:"data"`
}

type identityUser struct {
	ID                    string `json:"id"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

// primaryEmail falls back to the first address when no primary is marked.
func (u identityUser) primaryEmail() string {
	for _, addr := range u.EmailAddresses {
		if addr.ID != "" && addr.ID == u.PrimaryEmailAddressID {
			return addr.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

// HandleIdentityEvent verifies and applies an identity provider webhook.
func (s *AccountService) HandleIdentityEvent(ctx context.Context, payload []byte, headers webhook.Headers) error {
	if s.verifier == nil {
		return ErrSignatureInvalid
	}
	if err := s.verifier.Verify(payload, headers); err != nil {
		s.log.Warn("rejected identity webhook", zap.Error(err))
		return wrap(ErrSignatureInvalid, err)
	}

	var event identityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return wrap(ErrInvalidArgument, err)
	}

	record, processed, err := s.store.WebhookEvents().Record(ctx, identityProvider, headers.ID, event.Type, payload)
	if err != nil {
		return err
	}
	if processed {
		s.log.Info("identity webhook replay ignored", zap.String("event_id", headers.ID))
		return nil
	}

	procErr := s.applyIdentityEvent(ctx, event)
	if err := s.store.WebhookEvents().Finish(context.WithoutCancel(ctx), record.ID, procErr); err != nil {
		s.log.Error("failed to journal webhook outcome", zap.String("event_id", headers.ID), zap.Error(err))
	}
	return procErr
}

func (s *AccountService) applyIdentityEvent(ctx context.Context, event identityEvent) error {
	user := event.Data
	log := s.log.With(zap.String("type", event.Type), zap.String("external_id", user.ID))

	switch event.Type {
	case "user.created":
		identity := models.Identity{
			ExternalID: user.ID,
			Email:      user.primaryEmail(),
			FirstName:  user.FirstName,
			LastName:   user.LastName,
		}
		if identity.ExternalID == "" || identity.Email == "" || identity.FirstName == "" || identity.LastName == "" {
			return wrap(ErrInvalidArgument, errors.New("missing required user data"))
		}
		_, err := s.Provision(ctx, identity)
		return err

	case "user.updated":
		account, err := s.store.Accounts().GetByExternalID(ctx, user.ID)
		if errors.Is(err, repository.ErrNotFound) {
			_, err = s.Provision(ctx, models.Identity{
				ExternalID: user.ID,
				Email:      user.primaryEmail(),
				FirstName:  user.FirstName,
				LastName:   user.LastName,
			})
			return err
		}
		if err != nil {
			return err
		}
		if user.FirstName != "" || user.LastName != "" {
			first, last := user.FirstName, user.LastName
			if first == "" {
				first = account.FirstName
			}
			if last == "" {
				last = account.LastName
			}
			if _, err := s.store.Accounts().UpdateProfile(ctx, account.ID, first, last); err != nil {
				return err
			}
		}
		if addr := strings.ToLower(user.primaryEmail()); addr != "" && addr != account.Email {
			if err := s.store.Accounts().UpdateEmail(ctx, account.ID, addr); err != nil {
				if !errors.Is(err, repository.ErrDuplicate) {
					return err
				}
				log.Warn("email already belongs to another account, keeping the old one")
			}
		}
		log.Info("account updated from identity provider", zap.Uint("account_id", account.ID))
		return nil

	case "user.deleted":
		account, err := s.store.Accounts().GetByExternalID(ctx, user.ID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("deleted identity has no account")
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.store.Accounts().SetActive(ctx, account.ID, false); err != nil {
			return err
		}
		log.Info("account deactivated", zap.Uint("account_id", account.ID))
		return nil
	}

	log.Debug("unhandled identity webhook")
	return nil
}
