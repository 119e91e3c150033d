//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/adiadia/ussd-runner/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaBootstrapsEmptyDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	baseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if baseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	adminPool, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create admin pool (%v)", err)
	}
	defer adminPool.Close()

	if err := adminPool.Ping(ctx); err != nil {
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	testDBName := "bootstrap_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := adminPool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
		t.Skipf("skip integration test: cannot create database (%v)", err)
	}

	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cleanupCancel()

		_, _ = adminPool.Exec(cleanupCtx, `
			SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = $1
			  AND pid <> pg_backend_pid()
		`, testDBName)
		if _, err := adminPool.Exec(cleanupCtx, "DROP DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
			t.Logf("cleanup warning: drop temp database failed (%v)", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(baseURL)
	require.NoError(t, err, "parse DATABASE_URL")
	poolCfg.ConnConfig.Database = testDBName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err, "create temp database pool")
	defer pool.Close()

	require.NoError(t, pool.Ping(ctx), "ping temp database")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, EnsureSchema(ctx, pool, logger), "ensure schema first run")
	require.NoError(t, EnsureSchema(ctx, pool, logger), "ensure schema second run")
	require.NoError(t, SchemaReady(ctx, pool), "schema ready check")

	catalog := repository.NewStepRepository(pool, logger)
	tcID, err := catalog.CreateTestCase(ctx, "bootstrap", []domain.StepDefinition{
		{Order: 1, Input: domain.StaticInput("*123#"), ExpectedKeywords: []string{"Welcome"}},
	})
	require.NoError(t, err, "create test case after bootstrap")

	steps, err := catalog.ListSteps(ctx, tcID)
	require.NoError(t, err, "list steps after bootstrap")
	require.Len(t, steps, 1)
	assert.Equal(t, "*123#", steps[0].Input.Text)
}
