// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
)

func (s *Store) CreateTestCase(ctx context.Context, name string, steps []domain.StepDefinition) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO test_cases (name) VALUES (?)`, name)
	if err != nil {
		s.logger.Error("insert test case failed", "name", name, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, st := range steps {
		kind := st.Input.Kind
		if kind == "" {
			kind = domain.InputStatic
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps (test_case_id, step_order, input_kind, input_text, input_param, expected_keywords)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, st.Order, string(kind), st.Input.Text, st.Input.Param, strings.Join(st.ExpectedKeywords, ",")); err != nil {
			s.logger.Error("insert step failed", "test_case_id", id, "step_order", st.Order, "error", err)
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit test case: %w", err)
	}
	s.logger.Info("test case created", "test_case_id", id, "steps", len(steps))
	return id, nil
}

func (s *Store) ListSteps(ctx context.Context, testCaseID int64) ([]domain.StepDefinition, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM test_cases WHERE id = ?`, testCaseID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTestCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up test case: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_order, input_kind, input_text, input_param, expected_keywords
		FROM steps
		WHERE test_case_id = ?
		ORDER BY step_order ASC, id ASC
	`, testCaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []domain.StepDefinition
	for rows.Next() {
		st := domain.StepDefinition{TestCaseID: testCaseID}
		var kind, keywords string
		if err := rows.Scan(&st.ID, &st.Order, &kind, &st.Input.Text, &st.Input.Param, &keywords); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Input.Kind = domain.InputKind(kind)
		if strings.TrimSpace(keywords) != "" {
			st.ExpectedKeywords = domain.ParseKeywords(keywords)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
