package agents

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/casualtrader/arena/internal/domain"
	"github.com/rs/zerolog"
)

const modelColumns = `model_key, display_name, provider, litellm_prefix, full_model_name, api_key_env_var, enabled, cost_hint, created_at`

// ModelRepository handles the AI model catalog.
type ModelRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewModelRepository creates a new model catalog repository
func NewModelRepository(db *sql.DB, log zerolog.Logger) *ModelRepository {
	return &ModelRepository{
		db:  db,
		log: log.With().Str("repo", "models").Logger(),
	}
}

// GetByKey retrieves a catalog row by model key
func (r *ModelRepository) GetByKey(key string) (*domain.ModelConfig, error) {
	query := "SELECT " + modelColumns + " FROM ai_model_configs WHERE model_key = ?"

	row := r.db.QueryRow(query, key)
	cfg, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", key, domain.ErrModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model config: %w", err)
	}

	return &cfg, nil
}

// ListEnabled retrieves all enabled catalog rows
func (r *ModelRepository) ListEnabled() ([]domain.ModelConfig, error) {
	query := "SELECT " + modelColumns + " FROM ai_model_configs WHERE enabled = 1 ORDER BY model_key ASC"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list model configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.ModelConfig
	for rows.Next() {
		var (
			cfg       domain.ModelConfig
			enabled   int
			createdAt int64
		)
		if err := rows.Scan(
			&cfg.ModelKey, &cfg.DisplayName, &cfg.Provider, &cfg.LiteLLMPrefix,
			&cfg.FullModelName, &cfg.APIKeyEnvVar, &enabled, &cfg.CostHint, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan model config: %w", err)
		}
		cfg.Enabled = enabled != 0
		cfg.CreatedAt = time.Unix(createdAt, 0).UTC()
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model configs: %w", err)
	}

	return configs, nil
}

// Upsert inserts or replaces a catalog row. Used at startup to seed the
// default catalog.
func (r *ModelRepository) Upsert(cfg domain.ModelConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO ai_model_configs
		(model_key, display_name, provider, litellm_prefix, full_model_name, api_key_env_var, enabled, cost_hint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_key) DO UPDATE SET
			display_name = excluded.display_name,
			provider = excluded.provider,
			litellm_prefix = excluded.litellm_prefix,
			full_model_name = excluded.full_model_name,
			api_key_env_var = excluded.api_key_env_var,
			enabled = excluded.enabled,
			cost_hint = excluded.cost_hint
	`

	_, err := r.db.Exec(query,
		cfg.ModelKey, cfg.DisplayName, cfg.Provider, cfg.LiteLLMPrefix,
		cfg.FullModelName, cfg.APIKeyEnvVar, enabled, cfg.CostHint,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert model config: %w", err)
	}

	return nil
}

// SeedDefaults inserts the built-in catalog. Existing rows are updated in
// place so env var renames propagate.
func (r *ModelRepository) SeedDefaults() error {
	defaults := []domain.ModelConfig{
		{ModelKey: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai", LiteLLMPrefix: "openai", FullModelName: "gpt-4o", APIKeyEnvVar: "OPENAI_API_KEY", Enabled: true, CostHint: "high"},
		{ModelKey: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai", LiteLLMPrefix: "openai", FullModelName: "gpt-4o-mini", APIKeyEnvVar: "OPENAI_API_KEY", Enabled: true, CostHint: "low"},
		{ModelKey: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: "gemini", LiteLLMPrefix: "gemini", FullModelName: "gemini-2.0-flash", APIKeyEnvVar: "GEMINI_API_KEY", Enabled: true, CostHint: "low"},
		{ModelKey: "claude-sonnet", DisplayName: "Claude Sonnet", Provider: "anthropic", LiteLLMPrefix: "anthropic", FullModelName: "claude-sonnet-4-20250514", APIKeyEnvVar: "ANTHROPIC_API_KEY", Enabled: true, CostHint: "medium"},
	}

	for _, cfg := range defaults {
		if err := r.Upsert(cfg); err != nil {
			return err
		}
	}

	r.log.Debug().Int("count", len(defaults)).Msg("Model catalog seeded")
	return nil
}

func scanModel(row *sql.Row) (domain.ModelConfig, error) {
	var (
		cfg       domain.ModelConfig
		enabled   int
		createdAt int64
	)

	err := row.Scan(
		&cfg.ModelKey, &cfg.DisplayName, &cfg.Provider, &cfg.LiteLLMPrefix,
		&cfg.FullModelName, &cfg.APIKeyEnvVar, &enabled, &cfg.CostHint, &createdAt,
	)
	if err != nil {
		return cfg, err
	}

	cfg.Enabled = enabled != 0
	cfg.CreatedAt = time.Unix(createdAt, 0).UTC()
	return cfg, nil
}
