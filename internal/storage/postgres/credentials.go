package postgres

import (
	"context"
	"errors"
	"time"

	"main/domain/entity"
	"main/internal/metrics"
	"main/pkg/customerrors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type WebAuthnCredentialRepo struct {
	db      DB
	Metrics *metrics.Metrics
}

func NewWebAuthnCredentialRepo(db DB, m *metrics.Metrics) *WebAuthnCredentialRepo {
	return &WebAuthnCredentialRepo{db: db, Metrics: m}
}

const credentialColumns = `id, user_id, credential_id, public_key, attestation_type, transports,
			sign_count, device_type, backup_eligible, backup_state, last_used_at, created_at`

func (r *WebAuthnCredentialRepo) ForUser(ctx context.Context, userID uuid.UUID) (creds []entity.WebAuthnCredential, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("select_webauthn_credentials", start, err)
	}(time.Now())

	rows, err := r.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c entity.WebAuthnCredential
		if err = rows.Scan(&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.AttestationType,
			&c.Transports, &c.SignCount, &c.DeviceType, &c.BackupEligible, &c.BackupState,
			&c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *WebAuthnCredentialRepo) Create(ctx context.Context, cred *entity.WebAuthnCredential) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("insert_webauthn_credential", start, err)
	}(time.Now())

	sql := `INSERT INTO webauthn_credentials
			(` + credentialColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.db.Exec(ctx, sql,
		cred.ID, cred.UserID, cred.CredentialID, cred.PublicKey, cred.AttestationType,
		cred.Transports, cred.SignCount, cred.DeviceType, cred.BackupEligible,
		cred.BackupState, cred.LastUsedAt, cred.CreatedAt)
	return err
}

func (r *WebAuthnCredentialRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (cred *entity.WebAuthnCredential, err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("select_webauthn_credential", start, err)
	}(time.Now())

	var c entity.WebAuthnCredential
	err = r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = $1`, credentialID).
		Scan(&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.AttestationType,
			&c.Transports, &c.SignCount, &c.DeviceType, &c.BackupEligible, &c.BackupState,
			&c.LastUsedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *WebAuthnCredentialRepo) UpdateSignCount(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("update_webauthn_sign_count", start, err)
	}(time.Now())

	_, err = r.db.Exec(ctx,
		`UPDATE webauthn_credentials SET sign_count = $1, last_used_at = $2 WHERE credential_id = $3`,
		signCount, usedAt, credentialID)
	return err
}

func (r *WebAuthnCredentialRepo) Delete(ctx context.Context, userID uuid.UUID, credentialID []byte) (err error) {
	defer func(start time.Time) {
		r.Metrics.ObserveDB("delete_webauthn_credential", start, err)
	}(time.Now())

	tag, err := r.db.Exec(ctx,
		`DELETE FROM webauthn_credentials WHERE user_id = $1 AND credential_id = $2`, userID, credentialID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return customerrors.ErrNoRowsAffected
	}
	return nil
}
