package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"secret.drop/internal/crypto"
	"secret.drop/internal/lifecycle"
	"secret.drop/internal/models"
	"secret.drop/internal/store"
)

const maxIDAttempts = 5

var ErrIDSpaceExhausted = errors.New("could not allocate a unique secret id")

type Options struct {
	MaxTTL          time.Duration
	MaxReads        int
	MaxContentBytes int
	KDF             crypto.KDFParams
}

// Service is the creation, reveal and listing surface over one store.
type Service struct {
	store    store.Store
	engine   *lifecycle.Engine
	sealer   crypto.Sealer
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger

	generateID func() (string, error)
}

func New(st store.Store, engine *lifecycle.Engine, sealer crypto.Sealer, opts Options, logger *slog.Logger) *Service {
	if sealer == nil {
		sealer = crypto.PlainSealer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		engine:     engine,
		sealer:     sealer,
		opts:       opts,
		validate:   newValidator(),
		logger:     logger,
		generateID: crypto.GenerateID,
	}
}

type FileInput struct {
	Name        string
	ContentType string
	Data        []byte
}

// CreateInput carries one creation request. Text and File are mutually
// exclusive; at least one of ExpiresInMinutes and MaxReads must be set.
type CreateInput struct {
	Text             string     `json:"secret"`
	File             *FileInput `json:"file"`
	Password         string     `json:"password" validate:"required"`
	ExpiresInMinutes *int       `json:"expires_in_minutes" validate:"omitempty,gt=0"`
	MaxReads         *int       `json:"max_reads" validate:"omitempty,gte=1"`
}

// Create validates in, stores a new record and returns its id.
func (s *Service) Create(ctx context.Context, in CreateInput) (string, error) {
	payload, err := s.checkCreate(in)
	if err != nil {
		return "", err
	}

	verifier, err := crypto.DeriveVerifier(in.Password, s.opts.KDF)
	if err != nil {
		return "", fmt.Errorf("derive verifier: %w", err)
	}

	payload.Data, err = s.sealer.Seal(payload.Data)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}

	now, err := s.engine.Now(ctx)
	if err != nil {
		return "", fmt.Errorf("read clock: %w", err)
	}

	secret := &models.Secret{
		Payload:   payload,
		Verifier:  verifier,
		CreatedAt: now,
		MaxReads:  in.MaxReads,
	}
	if in.ExpiresInMinutes != nil {
		exp := now.Add(time.Duration(*in.ExpiresInMinutes) * time.Minute)
		secret.ExpiresAt = &exp
	}

	if err := s.insert(ctx, secret); err != nil {
		return "", err
	}

	s.logger.Info("secret created",
		"kind", payload.Kind,
		"size", len(payload.Data),
		"expires", secret.ExpiresAt != nil,
		"max_reads", derefOr(in.MaxReads, 0),
	)
	return secret.ID, nil
}

func (s *Service) checkCreate(in CreateInput) (models.Payload, error) {
	if err := s.validate.Struct(in); err != nil {
		return models.Payload{}, fromValidator(err)
	}

	var payload models.Payload
	switch {
	case in.File != nil && in.Text != "":
		return payload, invalid("file", "provide either secret text or a file, not both")
	case in.File != nil:
		if len(in.File.Data) == 0 {
			return payload, invalid("file", "file is empty")
		}
		payload = models.Payload{
			Kind:        models.PayloadFile,
			Data:        in.File.Data,
			Filename:    sanitizeFilename(in.File.Name),
			ContentType: in.File.ContentType,
		}
	case in.Text != "":
		payload = models.Payload{Kind: models.PayloadText, Data: []byte(in.Text)}
	default:
		return payload, invalid("secret", "is required")
	}

	if s.opts.MaxContentBytes > 0 && len(payload.Data) > s.opts.MaxContentBytes {
		field := "secret"
		if payload.Kind == models.PayloadFile {
			field = "file"
		}
		return payload, invalid(field, fmt.Sprintf("exceeds %d bytes", s.opts.MaxContentBytes))
	}

	if in.ExpiresInMinutes == nil && in.MaxReads == nil {
		return payload, invalid("expires_in_minutes", "set expires_in_minutes, max_reads, or both")
	}
	// compared in minutes; multiplying first can overflow time.Duration
	if limit := s.maxTTLMinutes(); in.ExpiresInMinutes != nil && int64(*in.ExpiresInMinutes) > limit {
		return payload, invalid("expires_in_minutes", fmt.Sprintf("must be at most %d", limit))
	}
	if in.MaxReads != nil && s.opts.MaxReads > 0 && *in.MaxReads > s.opts.MaxReads {
		return payload, invalid("max_reads", fmt.Sprintf("must be at most %d", s.opts.MaxReads))
	}

	return payload, nil
}

func (s *Service) maxTTLMinutes() int64 {
	limit := int64(math.MaxInt64 / time.Minute)
	if s.opts.MaxTTL > 0 {
		limit = int64(s.opts.MaxTTL / time.Minute)
	}
	return limit
}

// insert allocates an id, checking the store first and trusting Put's
// uniqueness check for the remaining race.
func (s *Service) insert(ctx context.Context, secret *models.Secret) error {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.generateID()
		if err != nil {
			return err
		}

		_, err = s.store.Get(ctx, id)
		if err == nil {
			s.logger.Warn("secret id collision", "attempt", attempt+1)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check id: %w", err)
		}

		secret.ID = id
		err = s.store.Put(ctx, secret)
		if errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Warn("secret id collision", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("save secret: %w", err)
		}
		return nil
	}
	return ErrIDSpaceExhausted
}

// Revealed is a successfully consumed secret with its plaintext payload.
type Revealed struct {
	Payload        models.Payload
	RemainingReads *int
}

// Reveal spends one read of id. It returns lifecycle.ErrWrongPassword or
// lifecycle.ErrGone for the caller-visible rejections.
func (s *Service) Reveal(ctx context.Context, id, password string) (*Revealed, error) {
	if password == "" {
		return nil, invalid("password", "is required")
	}

	now, err := s.engine.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clock: %w", err)
	}

	secret, err := s.engine.TryConsume(ctx, id, password, now)
	if err != nil {
		return nil, err
	}

	// The read is already committed; failing here must surface as an error,
	// never as "gone".
	data, err := s.sealer.Open(secret.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}

	payload := secret.Payload
	payload.Data = data
	return &Revealed{
		Payload:        payload,
		RemainingReads: secret.RemainingReads(),
	}, nil
}

// Summary is the admin view of one record. It never carries content.
type Summary struct {
	ID             string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxReads       *int
	RemainingReads *int
	ReadCount      int
	Status         lifecycle.Status
}

// List projects stored records into summaries, newest first.
func (s *Service) List(ctx context.Context, page store.Page) ([]Summary, error) {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Limit < 0 {
		page.Limit = 0
	}

	now, err := s.engine.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clock: %w", err)
	}

	secrets, err := s.store.Scan(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	out := make([]Summary, 0, len(secrets))
	for _, secret := range secrets {
		out = append(out, Summary{
			ID:             secret.ID,
			CreatedAt:      secret.CreatedAt,
			ExpiresAt:      secret.ExpiresAt,
			MaxReads:       secret.MaxReads,
			RemainingReads: secret.RemainingReads(),
			ReadCount:      secret.ReadCount,
			Status:         lifecycle.Evaluate(secret, now),
		})
	}
	return out, nil
}

// CountActive returns how many records can still be revealed.
func (s *Service) CountActive(ctx context.Context) (int, error) {
	now, err := s.engine.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}

	secrets, err := s.store.Scan(ctx, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("count secrets: %w", err)
	}

	n := 0
	for _, secret := range secrets {
		if lifecycle.Evaluate(secret, now) == lifecycle.Active {
			n++
		}
	}
	return n, nil
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
