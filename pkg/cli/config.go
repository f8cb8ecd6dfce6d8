package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/adapter"
	"github.com/m-mizutani/reverie/pkg/critic"
	"github.com/m-mizutani/reverie/pkg/index"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
	"github.com/m-mizutani/reverie/pkg/policy"
	"github.com/m-mizutani/reverie/pkg/repository"
	"github.com/m-mizutani/reverie/pkg/usecase/identity"
	"github.com/m-mizutani/reverie/pkg/usecase/memory"
	"github.com/m-mizutani/reverie/pkg/usecase/reflection"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	dataDir          string
	store            string
	project          string
	database         string
	collectionPrefix string

	// Embedding index
	embedder     string
	embedDims    int64
	embedCache   int64
	vectorStore  string
	embedTimeout time.Duration
	overFetch    int64
	minScore     float64
	geminiEmbed  string
	ollamaEmbed  string
	vectorColl   string

	// Generators
	llm             string
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	ollamaHost      string
	ollamaModel     string

	// Reflection
	personaPath    string
	policyDir      string
	maxWindow      int64
	promptLogLimit int64
	callTimeout    time.Duration
	snapshotDir    string
	snapshotBucket string
	snapshotPrefix string
}

// globalFlags returns logging and repository flags used by every command
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("REVERIE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("REVERIE_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory for the local database and vector index",
			Value:       defaultDataDir(),
			Sources:     cli.EnvVars("REVERIE_DATA_DIR"),
			Destination: &cfg.dataDir,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Repository backend (sqlite, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("REVERIE_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID for Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "collection-prefix",
			Usage:       "Prefix for Firestore collection names",
			Sources:     cli.EnvVars("REVERIE_COLLECTION_PREFIX"),
			Destination: &cfg.collectionPrefix,
		},
	}
}

// indexFlags returns flags for embedding and retrieval
func indexFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding backend (hash, gemini, ollama)",
			Value:       "hash",
			Sources:     cli.EnvVars("REVERIE_EMBEDDER"),
			Destination: &cfg.embedder,
		},
		&cli.IntFlag{
			Name:        "embed-dims",
			Usage:       "Embedding dimensions (hash size, or Gemini output dimensionality; 0 keeps the model default)",
			Value:       0,
			Sources:     cli.EnvVars("REVERIE_EMBED_DIMS"),
			Destination: &cfg.embedDims,
		},
		&cli.IntFlag{
			Name:        "embed-cache",
			Usage:       "Number of embeddings kept in memory (0 disables the cache)",
			Value:       1024,
			Sources:     cli.EnvVars("REVERIE_EMBED_CACHE"),
			Destination: &cfg.embedCache,
		},
		&cli.DurationFlag{
			Name:        "embed-timeout",
			Usage:       "Timeout of a single embedding call",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("REVERIE_EMBED_TIMEOUT"),
			Destination: &cfg.embedTimeout,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("REVERIE_GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.geminiEmbed,
		},
		&cli.StringFlag{
			Name:        "ollama-embedding-model",
			Usage:       "Ollama embedding model",
			Value:       "nomic-embed-text",
			Sources:     cli.EnvVars("REVERIE_OLLAMA_EMBEDDING_MODEL"),
			Destination: &cfg.ollamaEmbed,
		},
		&cli.StringFlag{
			Name:        "vector-store",
			Usage:       "Vector store (flat, chromem, firestore)",
			Value:       "chromem",
			Sources:     cli.EnvVars("REVERIE_VECTOR_STORE"),
			Destination: &cfg.vectorStore,
		},
		&cli.StringFlag{
			Name:        "vector-collection",
			Usage:       "Firestore collection holding memory vectors",
			Value:       "memory_vectors",
			Sources:     cli.EnvVars("REVERIE_VECTOR_COLLECTION"),
			Destination: &cfg.vectorColl,
		},
		&cli.IntFlag{
			Name:        "over-fetch",
			Usage:       "Candidates fetched per requested result before filtering",
			Value:       3,
			Sources:     cli.EnvVars("REVERIE_OVER_FETCH"),
			Destination: &cfg.overFetch,
		},
		&cli.FloatFlag{
			Name:        "min-score",
			Usage:       "Drop retrieval results below this cosine similarity (-1 to 1)",
			Value:       -2,
			Sources:     cli.EnvVars("REVERIE_MIN_SCORE"),
			Destination: &cfg.minScore,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Text generation backend (gemini, claude, ollama)",
			Value:       "gemini",
			Sources:     cli.EnvVars("REVERIE_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       "claude-sonnet-4-5",
			Sources:     cli.EnvVars("REVERIE_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("REVERIE_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "ollama-host",
			Usage:       "Ollama server URL",
			Value:       "http://localhost:11434",
			Sources:     cli.EnvVars("OLLAMA_HOST"),
			Destination: &cfg.ollamaHost,
		},
		&cli.StringFlag{
			Name:        "ollama-model",
			Usage:       "Ollama generative model",
			Value:       "gemma3",
			Sources:     cli.EnvVars("REVERIE_OLLAMA_MODEL"),
			Destination: &cfg.ollamaModel,
		},
	}
}

// reflectionFlags returns flags for the persona and reflection cycle
func reflectionFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "persona",
			Usage:       "Path to persona YAML file",
			Sources:     cli.EnvVars("REVERIE_PERSONA"),
			Destination: &cfg.personaPath,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies that can deny identity changes",
			Sources:     cli.EnvVars("REVERIE_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "max-window",
			Usage:       "Maximum log entries reflected on per cycle",
			Value:       100,
			Sources:     cli.EnvVars("REVERIE_MAX_WINDOW"),
			Destination: &cfg.maxWindow,
		},
		&cli.IntFlag{
			Name:        "prompt-log-limit",
			Usage:       "Maximum log entries shown to the critic",
			Value:       20,
			Sources:     cli.EnvVars("REVERIE_PROMPT_LOG_LIMIT"),
			Destination: &cfg.promptLogLimit,
		},
		&cli.DurationFlag{
			Name:        "call-timeout",
			Usage:       "Timeout of a single critic call",
			Value:       2 * time.Minute,
			Sources:     cli.EnvVars("REVERIE_CALL_TIMEOUT"),
			Destination: &cfg.callTimeout,
		},
		&cli.StringFlag{
			Name:        "snapshot-dir",
			Usage:       "Mirror identity and reflection history into this directory after each reflection",
			Sources:     cli.EnvVars("REVERIE_SNAPSHOT_DIR"),
			Destination: &cfg.snapshotDir,
		},
		&cli.StringFlag{
			Name:        "snapshot-bucket",
			Usage:       "Mirror identity and reflection history into this Cloud Storage bucket",
			Sources:     cli.EnvVars("REVERIE_SNAPSHOT_BUCKET"),
			Destination: &cfg.snapshotBucket,
		},
		&cli.StringFlag{
			Name:        "snapshot-prefix",
			Usage:       "Object name prefix in the snapshot bucket",
			Value:       "reverie/",
			Sources:     cli.EnvVars("REVERIE_SNAPSHOT_PREFIX"),
			Destination: &cfg.snapshotPrefix,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reverie"
	}
	return filepath.Join(home, ".reverie")
}

// setupLogger installs the configured logger as default and into ctx
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, cfg.logFormat, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// env holds everything built from config for one command run
type env struct {
	repo     interfaces.Repository
	index    *index.Index
	memory   *memory.UseCase
	identity *identity.UseCase
	closers  []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newEnv opens the repository and the embedding index
func (cfg *config) newEnv(ctx context.Context) (*env, error) {
	e := &env{}

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	e.repo = repo
	e.closers = append(e.closers, func() {
		if err := repo.Close(); err != nil {
			logging.From(ctx).Warn("failed to close repository", "error", err)
		}
	})

	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	if cached, ok := embedder.(*adapter.CachedEmbedder); ok {
		e.closers = append(e.closers, cached.Close)
	}

	store, err := cfg.newVectorStore(ctx, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.index = index.New(embedder, store, index.WithTimeout(cfg.embedTimeout))
	e.memory = memory.New(repo, e.index,
		memory.WithOverFetch(int(cfg.overFetch)),
		memory.WithMinScore(cfg.minScore))
	e.identity = identity.New(repo)
	return e, nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (interfaces.Repository, error) {
	switch cfg.store {
	case "sqlite":
		if err := os.MkdirAll(cfg.dataDir, 0o700); err != nil {
			return nil, goerr.Wrap(err, "failed to create data directory", goerr.V("dir", cfg.dataDir))
		}
		repo, err := repository.NewSQLite(ctx, filepath.Join(cfg.dataDir, "reverie.db"))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite repository")
		}
		return repo, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore store")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database,
			repository.WithCollectionPrefix(cfg.collectionPrefix))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		return repo, nil

	default:
		return nil, goerr.New("unsupported store", goerr.V("store", cfg.store))
	}
}

// newEmbedder creates the configured embedder, wrapped in a cache when enabled
func (cfg *config) newEmbedder(ctx context.Context) (interfaces.Embedder, error) {
	var embedder interfaces.Embedder
	switch cfg.embedder {
	case "hash":
		embedder = adapter.NewHashEmbedder(int(cfg.embedDims))

	case "gemini":
		if cfg.geminiProject == "" {
			return nil, goerr.New("gemini-project is required for gemini embedder")
		}
		gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
			adapter.WithEmbeddingModel(cfg.geminiEmbed),
			adapter.WithEmbeddingDimensions(int(cfg.embedDims)))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini embedder")
		}
		embedder = gemini

	case "ollama":
		embedder = adapter.NewOllama(
			adapter.WithOllamaHost(cfg.ollamaHost),
			adapter.WithOllamaEmbeddingModel(cfg.ollamaEmbed))

	default:
		return nil, goerr.New("unsupported embedder", goerr.V("embedder", cfg.embedder))
	}

	if cfg.embedCache <= 0 || cfg.embedder == "hash" {
		return embedder, nil
	}
	cached, err := adapter.NewCachedEmbedder(embedder, cfg.embedCache)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return cached, nil
}

func (cfg *config) newVectorStore(ctx context.Context, e *env) (index.VectorStore, error) {
	switch cfg.vectorStore {
	case "flat":
		return index.NewFlat(), nil

	case "chromem":
		dir := filepath.Join(cfg.dataDir, "vectors")
		store, err := index.NewChromem(dir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem store", goerr.V("dir", dir))
		}
		return store, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore vector store")
		}
		client, err := firestore.NewClientWithDatabase(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore client")
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		return index.NewFirestore(client, cfg.collectionPrefix+cfg.vectorColl), nil

	default:
		return nil, goerr.New("unsupported vector store", goerr.V("vector_store", cfg.vectorStore))
	}
}

// newGenerator creates the configured text generation backend
func (cfg *config) newGenerator(ctx context.Context) (interfaces.Generator, error) {
	switch cfg.llm {
	case "gemini":
		if cfg.geminiProject == "" {
			return nil, goerr.New("gemini-project is required")
		}
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
			adapter.WithGenerativeModel(cfg.geminiModel))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini client")
		}
		return gemini, nil

	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, adapter.WithClaudeModel(cfg.claudeModel)), nil

	case "ollama":
		return adapter.NewOllama(
			adapter.WithOllamaHost(cfg.ollamaHost),
			adapter.WithOllamaGenerativeModel(cfg.ollamaModel)), nil

	default:
		return nil, goerr.New("unsupported llm", goerr.V("llm", cfg.llm))
	}
}

// newSnapshotStorage returns nil when no snapshot destination is configured
func (cfg *config) newSnapshotStorage(ctx context.Context) (adapter.Storage, error) {
	switch {
	case cfg.snapshotBucket != "":
		storage, err := adapter.NewStorage(ctx, cfg.snapshotBucket, cfg.snapshotPrefix)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	case cfg.snapshotDir != "":
		return adapter.NewLocalStorage(cfg.snapshotDir)
	default:
		return nil, nil
	}
}

// loadPersona returns an empty persona when no file is configured
func (cfg *config) loadPersona() (*model.Persona, error) {
	if cfg.personaPath == "" {
		return &model.Persona{}, nil
	}
	f, err := os.Open(cfg.personaPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open persona file", goerr.V("path", cfg.personaPath))
	}
	defer f.Close()

	persona, err := model.LoadPersona(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load persona", goerr.V("path", cfg.personaPath))
	}
	return persona, nil
}

// newEngine builds the reflection engine on top of e
func (cfg *config) newEngine(ctx context.Context, e *env, llm interfaces.Generator, persona *model.Persona) (*reflection.Engine, error) {
	guard, err := policy.Load(ctx, cfg.policyDir)
	if err != nil {
		return nil, err
	}
	storage, err := cfg.newSnapshotStorage(ctx)
	if err != nil {
		return nil, err
	}

	c := critic.New(llm,
		critic.WithAgentName(persona.Name()),
		critic.WithPromptLogLimit(int(cfg.promptLogLimit)),
		critic.WithCallTimeout(cfg.callTimeout))

	opts := []reflection.Option{
		reflection.WithMaxWindow(int(cfg.maxWindow)),
		reflection.WithGuard(guard),
	}
	if storage != nil {
		opts = append(opts, reflection.WithSnapshot(e.identity, storage))
	}
	return reflection.New(e.repo, c, opts...), nil
}
