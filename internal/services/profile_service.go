// Package services – ProfileService
//
// This file implements the PROFILE template: reading and patching the
// caller's assistant settings. Updates are written together with a
// PROFILE_SETTINGS_UPDATED outbox event in one shard transaction, so the
// event exists exactly when the new settings do.
package services

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/domain"
	"github.com/tbourn/go-finassist-backend/internal/outbox"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/repo"
	"github.com/tbourn/go-finassist-backend/internal/session"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

// EventSettingsUpdated is emitted after every settings update.
const EventSettingsUpdated = "PROFILE_SETTINGS_UPDATED"

var riskProfiles = map[string]struct{}{
	"conservative": {},
	"moderate":     {},
	"aggressive":   {},
}

// Sharder resolves shard handles.
type Sharder interface {
	Shard(id int) (*gorm.DB, error)
}

// OutboxWriter records an event inside a caller's transaction.
type OutboxWriter interface {
	Write(ctx context.Context, tx *gorm.DB, e outbox.Event) (*domain.OutboxEvent, error)
}

// ProfileService implements the PROFILE template.
type ProfileService struct {
	DB     Sharder
	Outbox OutboxWriter
}

// NewProfileService constructs a ProfileService.
func NewProfileService(db Sharder, ob OutboxWriter) *ProfileService {
	return &ProfileService{DB: db, Outbox: ob}
}

// Register binds the PROFILE handlers.
func (s *ProfileService) Register(r *template.Registry) error {
	if err := template.Register(r, protocol.TemplateProfile, protocol.MsgSettingsGet, s.SettingsGet); err != nil {
		return err
	}
	return template.Register(r, protocol.TemplateProfile, protocol.MsgSettingsUpdate, s.SettingsUpdate)
}

// SettingsGet returns the caller's settings, or the defaults.
func (s *ProfileService) SettingsGet(ctx context.Context, call *template.Call, _ *protocol.SettingsGetRequest) (*protocol.SettingsGetResponse, error) {
	db, err := s.DB.Shard(call.Session.ShardID)
	if err != nil {
		return nil, translate(err)
	}
	st, err := repo.GetSettings(ctx, db, call.Session.AccountDBKey)
	if err != nil {
		return nil, translate(err)
	}
	return &protocol.SettingsGetResponse{Settings: settingsInfo(st)}, nil
}

// SettingsUpdate validates and applies a partial update.
func (s *ProfileService) SettingsUpdate(ctx context.Context, call *template.Call, req *protocol.SettingsUpdateRequest) (*protocol.SettingsUpdateResponse, error) {
	sess := call.Session
	tr := otel.Tracer("services/ProfileService")
	ctx, span := tr.Start(ctx, "SettingsUpdate", trace.WithAttributes(attribute.Int64("account.db_key", sess.AccountDBKey)))
	defer span.End()

	if err := validateSettings(req); err != nil {
		return nil, err
	}
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return nil, translate(err)
	}

	var saved domain.UserSettings
	err = outbox.Transact(ctx, db, func(tx *gorm.DB) error {
		cur, err := repo.GetSettings(ctx, tx, sess.AccountDBKey)
		if err != nil {
			return err
		}
		applySettings(&cur, req)
		if err := repo.SaveSettings(ctx, tx, &cur); err != nil {
			return err
		}
		_, err = s.Outbox.Write(ctx, tx, outbox.Event{
			Type:          EventSettingsUpdated,
			AggregateID:   strconv.FormatInt(sess.AccountDBKey, 10),
			AggregateType: "account",
			Payload:       settingsInfo(cur),
		})
		saved = cur
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return &protocol.SettingsUpdateResponse{Settings: settingsInfo(saved)}, nil
}

// Persona returns the assistant persona chosen by the account. It is empty
// when the account keeps the default persona or settings cannot be read.
func (s *ProfileService) Persona(ctx context.Context, sess *session.Session) string {
	db, err := s.DB.Shard(sess.ShardID)
	if err != nil {
		return ""
	}
	st, err := repo.GetSettings(ctx, db, sess.AccountDBKey)
	if err != nil || st.Persona == repo.DefaultSettings(sess.AccountDBKey).Persona {
		return ""
	}
	return st.Persona
}

func validateSettings(req *protocol.SettingsUpdateRequest) error {
	if req.Language != nil {
		if _, err := language.Parse(strings.TrimSpace(*req.Language)); err != nil {
			return ErrInvalidLanguage
		}
	}
	if req.RiskProfile != nil {
		if _, ok := riskProfiles[strings.ToLower(strings.TrimSpace(*req.RiskProfile))]; !ok {
			return ErrInvalidRiskProfile
		}
	}
	if req.Persona != nil {
		n := utf8.RuneCountInString(strings.TrimSpace(*req.Persona))
		if n == 0 || n > maxPersonaRunes {
			return ErrInvalidPersona
		}
	}
	return nil
}

func applySettings(st *domain.UserSettings, req *protocol.SettingsUpdateRequest) {
	if req.Language != nil {
		tag, _ := language.Parse(strings.TrimSpace(*req.Language))
		st.Language = tag.String()
	}
	if req.RiskProfile != nil {
		st.RiskProfile = strings.ToLower(strings.TrimSpace(*req.RiskProfile))
	}
	if req.Persona != nil {
		st.Persona = strings.TrimSpace(*req.Persona)
	}
	if req.Notifications != nil {
		st.Notifications = *req.Notifications
	}
}

func settingsInfo(st domain.UserSettings) protocol.SettingsInfo {
	return protocol.SettingsInfo{
		Language:      st.Language,
		Persona:       st.Persona,
		RiskProfile:   st.RiskProfile,
		Notifications: st.Notifications,
		UpdatedAt:     st.UpdatedAt,
	}
}
