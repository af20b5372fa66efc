package repository

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/diagnostic-triage-engine/internal/database"
	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "starting PostgreSQL container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := domain.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "testdb",
		Username: "testuser",
		Password: "testpass",
		SSLMode:  "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := database.NewMigrationRunner(database.URL(config), logger)
	require.NoError(t, err)
	require.NoError(t, runner.Up(ctx))
	require.NoError(t, runner.Close())

	db, err := database.NewConnection(ctx, config, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func newTestRepository(t *testing.T) *KnowledgeRepository {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewKnowledgeRepository(setupTestDB(t).Pool, logger)
}

func TestKnowledgeRepository_ImportAndLoad(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seed, err := knowledge.DefaultSeed()
	require.NoError(t, err)
	require.NoError(t, repo.Import(ctx, seed))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)

	require.Len(t, loaded.Conditions, len(seed.Conditions))
	for i, cond := range seed.Conditions {
		got := loaded.Conditions[i]
		assert.Equal(t, cond.ID, got.ID, "conditions keep their catalogue order")
		assert.Equal(t, cond.Symptoms, got.Symptoms)
		assert.Equal(t, cond.AgeRange, got.AgeRange)
		assert.Equal(t, cond.Onset, got.Onset)
		assert.ElementsMatch(t, cond.RiskFactors, got.RiskFactors)
	}

	assert.Len(t, loaded.Guidelines, len(seed.Guidelines))
	assert.Equal(t, seed.Interactions, loaded.Interactions)
	assert.Equal(t, seed.Synonyms, loaded.Synonyms)
	assert.Equal(t, seed.RedFlags, loaded.RedFlags, "rule definitions round-trip in order")

	fromDB, err := knowledge.NewCatalog(loaded)
	require.NoError(t, err)
	embedded, err := knowledge.NewCatalog(seed)
	require.NoError(t, err)

	pneumonia, ok := fromDB.Guideline("pneumonia")
	require.True(t, ok)
	want, _ := embedded.Guideline("pneumonia")
	require.Len(t, pneumonia.Treatments, len(want.Treatments))
	for i, tr := range want.Treatments {
		assert.Equal(t, tr.Name, pneumonia.Treatments[i].Name)
		assert.Equal(t, tr.MinAge, pneumonia.Treatments[i].MinAge)
		assert.ElementsMatch(t, tr.AllergyConflicts, pneumonia.Treatments[i].AllergyConflicts)
	}
	assert.Equal(t, embedded.RuleDefinitions(), fromDB.RuleDefinitions())
}

func TestKnowledgeRepository_ImportReplaces(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seed, err := knowledge.DefaultSeed()
	require.NoError(t, err)
	require.NoError(t, repo.Import(ctx, seed))

	smaller := seed.Clone()
	smaller.Conditions = smaller.Conditions[:1]
	smaller.Guidelines = nil
	require.NoError(t, repo.Import(ctx, smaller))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Conditions, 1)
	assert.Equal(t, seed.Conditions[0].ID, loaded.Conditions[0].ID)
	assert.Empty(t, loaded.Guidelines)
}

func TestKnowledgeRepository_ImportNilSeed(t *testing.T) {
	repo := NewKnowledgeRepository(nil, logrus.New())
	assert.Error(t, repo.Import(context.Background(), nil))
}
