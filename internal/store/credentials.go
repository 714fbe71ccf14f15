package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"all2api-go/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// tableFor returns the active-table model for a provider kind.
func tableFor(kind models.ProviderKind) (interface{}, error) {
	switch kind {
	case models.ProviderKiro:
		return &models.Credential{}, nil
	case models.ProviderAntigravity:
		return &models.GeminiCredential{}, nil
	case models.ProviderOrchids:
		return &models.WsCredential{}, nil
	case models.ProviderAgent:
		return &models.AgentCredential{}, nil
	}
	return nil, fmt.Errorf("store: unknown provider kind %q", kind)
}

// CreateCredential inserts a credential row (admin import or OAuth
// callback) and returns its id.
func (s *Store) CreateCredential(ctx context.Context, kind models.ProviderKind, cols models.CredentialColumns) (uint, error) {
	cols.ID = 0
	switch kind {
	case models.ProviderKiro:
		row := models.Credential{CredentialColumns: cols}
		err := s.db.WithContext(ctx).Create(&row).Error
		return row.ID, err
	case models.ProviderAntigravity:
		row := models.GeminiCredential{CredentialColumns: cols}
		err := s.db.WithContext(ctx).Create(&row).Error
		return row.ID, err
	case models.ProviderOrchids:
		row := models.WsCredential{CredentialColumns: cols}
		err := s.db.WithContext(ctx).Create(&row).Error
		return row.ID, err
	case models.ProviderAgent:
		row := models.AgentCredential{CredentialColumns: cols}
		err := s.db.WithContext(ctx).Create(&row).Error
		return row.ID, err
	}
	return 0, fmt.Errorf("store: unknown provider kind %q", kind)
}

// ListActiveCredentials returns the selectable pool for a provider: active
// rows holding a refresh token.
func (s *Store) ListActiveCredentials(ctx context.Context, kind models.ProviderKind) ([]*models.CredentialRef, error) {
	q := s.db.WithContext(ctx).Where("active = ? AND refresh_token <> ''", true)

	var cols []models.CredentialColumns
	var err error
	switch kind {
	case models.ProviderKiro:
		var rows []models.Credential
		if err = q.Find(&rows).Error; err == nil {
			for _, r := range rows {
				cols = append(cols, r.CredentialColumns)
			}
		}
	case models.ProviderAntigravity:
		var rows []models.GeminiCredential
		if err = q.Find(&rows).Error; err == nil {
			for _, r := range rows {
				cols = append(cols, r.CredentialColumns)
			}
		}
	case models.ProviderOrchids:
		var rows []models.WsCredential
		if err = q.Find(&rows).Error; err == nil {
			for _, r := range rows {
				cols = append(cols, r.CredentialColumns)
			}
		}
	case models.ProviderAgent:
		var rows []models.AgentCredential
		if err = q.Find(&rows).Error; err == nil {
			for _, r := range rows {
				cols = append(cols, r.CredentialColumns)
			}
		}
	default:
		return nil, fmt.Errorf("store: unknown provider kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	refs := make([]*models.CredentialRef, 0, len(cols))
	for _, c := range cols {
		refs = append(refs, &models.CredentialRef{Kind: kind, CredentialColumns: c})
	}
	return refs, nil
}

// GetCredential loads one credential row by id.
func (s *Store) GetCredential(ctx context.Context, kind models.ProviderKind, id uint) (*models.CredentialRef, error) {
	model, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).First(model, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.CredentialRef{Kind: kind, CredentialColumns: columnsOf(model)}, nil
}

func columnsOf(model interface{}) models.CredentialColumns {
	switch m := model.(type) {
	case *models.Credential:
		return m.CredentialColumns
	case *models.GeminiCredential:
		return m.CredentialColumns
	case *models.WsCredential:
		return m.CredentialColumns
	case *models.AgentCredential:
		return m.CredentialColumns
	}
	return models.CredentialColumns{}
}

func (s *Store) credentialUpdate(ctx context.Context, kind models.ProviderKind, id uint, fields map[string]interface{}) error {
	model, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(fields).Error
}

// SaveTokens persists the outcome of a successful refresh and clears the
// error counter.
func (s *Store) SaveTokens(ctx context.Context, kind models.ProviderKind, id uint, access, refresh string, expiresAt time.Time) error {
	fields := map[string]interface{}{
		"access_token": access,
		"expires_at":   expiresAt,
		"error_count":  0,
		"last_error":   "",
	}
	if refresh != "" {
		fields["refresh_token"] = refresh
	}
	return s.credentialUpdate(ctx, kind, id, fields)
}

// SaveProjectID persists the account-scope id discovered during onboarding.
func (s *Store) SaveProjectID(ctx context.Context, kind models.ProviderKind, id uint, projectID string) error {
	return s.credentialUpdate(ctx, kind, id, map[string]interface{}{"project_id": projectID})
}

// IncrementCredentialUse bumps the persistent use counter.
func (s *Store) IncrementCredentialUse(ctx context.Context, kind models.ProviderKind, id uint) error {
	model, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(model).Where("id = ?", id).
		Update("use_count", gorm.Expr("use_count + 1")).Error
}

// RecordCredentialError bumps the persistent error counter.
func (s *Store) RecordCredentialError(ctx context.Context, kind models.ProviderKind, id uint, msg string) error {
	model, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(map[string]interface{}{
		"error_count": gorm.Expr("error_count + 1"),
		"last_error":  msg,
	}).Error
}

// Quarantine moves a credential to its error shadow table (kiro, gemini)
// or deactivates it in place (providers without a shadow table).
func (s *Store) Quarantine(ctx context.Context, kind models.ProviderKind, id uint, msg string) error {
	now := time.Now()
	switch kind {
	case models.ProviderKiro:
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.Credential
			if err := tx.First(&row, id).Error; err != nil {
				return err
			}
			shadow := models.ErrorCredential{CredentialColumns: row.CredentialColumns, ErrorAt: now, ErrorMessage: msg}
			shadow.ID = 0
			if err := tx.Create(&shadow).Error; err != nil {
				return err
			}
			return tx.Delete(&row).Error
		})
	case models.ProviderAntigravity:
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.GeminiCredential
			if err := tx.First(&row, id).Error; err != nil {
				return err
			}
			shadow := models.GeminiErrorCredential{CredentialColumns: row.CredentialColumns, ErrorAt: now, ErrorMessage: msg}
			shadow.ID = 0
			if err := tx.Create(&shadow).Error; err != nil {
				return err
			}
			return tx.Delete(&row).Error
		})
	default:
		return s.credentialUpdate(ctx, kind, id, map[string]interface{}{
			"active":     false,
			"last_error": msg,
		})
	}
}

// QuarantinedCredential pairs an error-table row with its provider kind.
type QuarantinedCredential struct {
	Kind models.ProviderKind
	Ref  models.CredentialRef
}

// ListQuarantined returns every row awaiting retry across both shadow
// tables plus deactivated rows of providers without one.
func (s *Store) ListQuarantined(ctx context.Context) ([]QuarantinedCredential, error) {
	var out []QuarantinedCredential

	var kiroRows []models.ErrorCredential
	if err := s.db.WithContext(ctx).Find(&kiroRows).Error; err != nil {
		return nil, err
	}
	for _, r := range kiroRows {
		out = append(out, QuarantinedCredential{
			Kind: models.ProviderKiro,
			Ref:  models.CredentialRef{Kind: models.ProviderKiro, CredentialColumns: r.CredentialColumns},
		})
	}

	var geminiRows []models.GeminiErrorCredential
	if err := s.db.WithContext(ctx).Find(&geminiRows).Error; err != nil {
		return nil, err
	}
	for _, r := range geminiRows {
		out = append(out, QuarantinedCredential{
			Kind: models.ProviderAntigravity,
			Ref:  models.CredentialRef{Kind: models.ProviderAntigravity, CredentialColumns: r.CredentialColumns},
		})
	}

	var wsRows []models.WsCredential
	if err := s.db.WithContext(ctx).Where("active = ? AND refresh_token <> ''", false).Find(&wsRows).Error; err != nil {
		return nil, err
	}
	for _, r := range wsRows {
		out = append(out, QuarantinedCredential{
			Kind: models.ProviderOrchids,
			Ref:  models.CredentialRef{Kind: models.ProviderOrchids, CredentialColumns: r.CredentialColumns},
		})
	}

	var agentRows []models.AgentCredential
	if err := s.db.WithContext(ctx).Where("active = ? AND refresh_token <> ''", false).Find(&agentRows).Error; err != nil {
		return nil, err
	}
	for _, r := range agentRows {
		out = append(out, QuarantinedCredential{
			Kind: models.ProviderAgent,
			Ref:  models.CredentialRef{Kind: models.ProviderAgent, CredentialColumns: r.CredentialColumns},
		})
	}

	return out, nil
}

// Restore moves a quarantined credential back to its active table under a
// fresh surrogate id. The old id is logged for lineage.
func (s *Store) Restore(ctx context.Context, q QuarantinedCredential) (uint, error) {
	oldID := q.Ref.ID
	cols := q.Ref.CredentialColumns
	cols.ID = 0
	cols.ErrorCount = 0
	cols.LastError = ""
	cols.Active = true

	var newID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch q.Kind {
		case models.ProviderKiro:
			row := models.Credential{CredentialColumns: cols}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			newID = row.ID
			return tx.Where("id = ?", oldID).Delete(&models.ErrorCredential{}).Error
		case models.ProviderAntigravity:
			row := models.GeminiCredential{CredentialColumns: cols}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			newID = row.ID
			return tx.Where("id = ?", oldID).Delete(&models.GeminiErrorCredential{}).Error
		default:
			// Providers without a shadow table reactivate in place.
			newID = oldID
			return tx.Model(tableForMust(q.Kind)).Where("id = ?", oldID).Updates(map[string]interface{}{
				"active":      true,
				"error_count": 0,
				"last_error":  "",
			}).Error
		}
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{
		"provider": q.Kind,
		"old_id":   oldID,
		"new_id":   newID,
	}).Info("credential restored from quarantine")
	return newID, nil
}

func tableForMust(kind models.ProviderKind) interface{} {
	m, err := tableFor(kind)
	if err != nil {
		return &models.Credential{}
	}
	return m
}
