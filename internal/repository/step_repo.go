// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StepRepository is the step catalog: test cases and their ordered steps.
type StepRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStepRepository(pool *pgxpool.Pool, logger *slog.Logger) *StepRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &StepRepository{
		pool:   pool,
		logger: logger,
	}
}

// CreateTestCase stores a test case with its steps and returns its ID.
func (s *StepRepository) CreateTestCase(ctx context.Context, name string, steps []domain.StepDefinition) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "error", err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO test_cases (name) VALUES ($1) RETURNING id`,
		name,
	).Scan(&id); err != nil {
		s.logger.Error("insert test case failed", "name", name, "error", err)
		return 0, err
	}

	for _, st := range steps {
		kind := st.Input.Kind
		if kind == "" {
			kind = domain.InputStatic
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO steps (test_case_id, step_order, input_kind, input_text, input_param, expected_keywords)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			id,
			st.Order,
			kind,
			st.Input.Text,
			st.Input.Param,
			strings.Join(st.ExpectedKeywords, ","),
		); err != nil {
			s.logger.Error("insert step failed",
				"test_case_id", id,
				"step_order", st.Order,
				"error", err,
			)
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit test case failed", "test_case_id", id, "error", err)
		return 0, err
	}

	s.logger.Info("test case created", "test_case_id", id, "steps", len(steps))
	return id, nil
}

func (s *StepRepository) ListSteps(ctx context.Context, testCaseID int64) ([]domain.StepDefinition, error) {
	var exists int
	if err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM test_cases WHERE id=$1`,
		testCaseID,
	).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTestCaseNotFound
		}
		s.logger.Error("test case lookup failed",
			"test_case_id", testCaseID,
			"error", err,
		)
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, step_order, input_kind, input_text, input_param, expected_keywords
		FROM steps
		WHERE test_case_id=$1
		ORDER BY step_order ASC, id ASC
	`, testCaseID)
	if err != nil {
		s.logger.Error("list steps query failed",
			"test_case_id", testCaseID,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StepDefinition, 0, 8)

	for rows.Next() {
		st := domain.StepDefinition{TestCaseID: testCaseID}
		var keywords string
		if err := rows.Scan(&st.ID, &st.Order, &st.Input.Kind, &st.Input.Text, &st.Input.Param, &keywords); err != nil {
			s.logger.Error("scan step row failed",
				"test_case_id", testCaseID,
				"error", err,
			)
			return nil, err
		}
		st.ExpectedKeywords = keywordsFromColumn(keywords)
		out = append(out, st)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("rows iteration failed",
			"test_case_id", testCaseID,
			"error", err,
		)
		return nil, err
	}

	s.logger.Debug("steps fetched",
		"test_case_id", testCaseID,
		"count", len(out),
	)

	return out, nil
}

// keywordsFromColumn returns nil for a step without an expectation so the
// detector skips it.
func keywordsFromColumn(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return domain.ParseKeywords(raw)
}
