package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/emilythestrangee/pollhub/backend/internal/models"
)

// VoteChannel is the pg_notify channel the vote trigger publishes to.
const VoteChannel = "poll_votes"

type Database struct {
	DB *sql.DB
}

// ConnString builds the Postgres connection string from the environment.
func ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_SSLMODE"),
	)
}

func NewDatabase() (*Database, error) {
	db, err := sql.Open("postgres", ConnString())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	log.Println("✅ Database connected successfully")

	return &Database{DB: db}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// Initialize installs the declarative parts of the vote path: the unique
// indexes that prevent duplicate votes, the trigger that maintains the
// denormalized vote_count and publishes change notifications, and the
// submit_vote function (the single-round-trip submission path). Tables
// themselves come from AutoMigrate, so this must run after database.New().
func (d *Database) Initialize() error {
	schema := `
    -- Single-choice polls: one vote per identity per poll.
    -- votes.single_choice is copied from the poll at insert time so the
    -- rule can live in a partial unique index.
    CREATE UNIQUE INDEX IF NOT EXISTS votes_one_per_poll
        ON votes (poll_id, voter_key) WHERE single_choice;

    -- Multiple-choice polls: one vote per identity per option.
    CREATE UNIQUE INDEX IF NOT EXISTS votes_one_per_option
        ON votes (poll_id, option_id, voter_key);

    -- vote_count bookkeeping and change-feed notification.
    CREATE OR REPLACE FUNCTION votes_maintain_count() RETURNS trigger AS $$
    DECLARE
        row_poll_id INTEGER;
        row_option_id INTEGER;
        delta INTEGER;
    BEGIN
        IF TG_OP = 'INSERT' THEN
            row_poll_id := NEW.poll_id;
            row_option_id := NEW.option_id;
            delta := 1;
        ELSE
            row_poll_id := OLD.poll_id;
            row_option_id := OLD.option_id;
            delta := -1;
        END IF;

        UPDATE poll_options
            SET vote_count = vote_count + delta
            WHERE id = row_option_id;

        PERFORM pg_notify('poll_votes', json_build_object(
            'poll_id', row_poll_id,
            'option_id', row_option_id,
            'op', TG_OP
        )::text);

        RETURN NULL;
    END;
    $$ LANGUAGE plpgsql;

    DROP TRIGGER IF EXISTS votes_count_trigger ON votes;
    CREATE TRIGGER votes_count_trigger
        AFTER INSERT OR DELETE ON votes
        FOR EACH ROW EXECUTE FUNCTION votes_maintain_count();

    -- Single-round-trip vote submission. Performs the same checks as the
    -- application path and relies on the same indexes and trigger.
    -- Errors carry custom SQLSTATEs the handlers translate to HTTP:
    --   PH404 poll missing or not visible to the caller
    --   PH410 poll expired
    --   PH422 option count or ownership problem
    --   23505 duplicate vote (raised by the unique indexes)
    CREATE OR REPLACE FUNCTION submit_vote(
        p_poll_id INTEGER,
        p_option_ids INTEGER[],
        p_voter_key TEXT,
        p_user_id INTEGER
    ) RETURNS INTEGER AS $$
    DECLARE
        p RECORD;
        opt_id INTEGER;
        inserted INTEGER := 0;
    BEGIN
        SELECT id, visibility, multiple_choice, creator_id, expires_at
            INTO p FROM polls WHERE id = p_poll_id;
        IF NOT FOUND THEN
            RAISE EXCEPTION 'poll not found' USING ERRCODE = 'PH404';
        END IF;
        IF p.visibility <> 'public'
            AND (p_user_id IS NULL OR p.creator_id <> p_user_id) THEN
            RAISE EXCEPTION 'poll not found' USING ERRCODE = 'PH404';
        END IF;
        IF p.expires_at IS NOT NULL AND p.expires_at <= NOW() THEN
            RAISE EXCEPTION 'poll expired' USING ERRCODE = 'PH410';
        END IF;
        IF NOT p.multiple_choice AND array_length(p_option_ids, 1) <> 1 THEN
            RAISE EXCEPTION 'single-choice poll takes exactly one option'
                USING ERRCODE = 'PH422';
        END IF;

        FOREACH opt_id IN ARRAY p_option_ids LOOP
            IF NOT EXISTS (
                SELECT 1 FROM poll_options
                WHERE id = opt_id AND poll_id = p_poll_id
            ) THEN
                RAISE EXCEPTION 'option % not in poll', opt_id
                    USING ERRCODE = 'PH422';
            END IF;

            INSERT INTO votes
                (poll_id, option_id, voter_key, user_id, single_choice, created_at)
            VALUES
                (p_poll_id, opt_id, p_voter_key, p_user_id,
                 NOT p.multiple_choice, NOW());
            inserted := inserted + 1;
        END LOOP;

        RETURN inserted;
    END;
    $$ LANGUAGE plpgsql;
    `

	_, err := d.DB.Exec(schema)
	if err != nil {
		return fmt.Errorf("error installing vote constraints: %w", err)
	}

	log.Println("✅ Database constraints and triggers installed")
	return nil
}

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error
	GetDB() *gorm.DB
}

type service struct {
	db *gorm.DB
}

var dbInstance *service

func New() Service {
	// Reuse Connection
	if dbInstance != nil {
		return dbInstance
	}

	dsn := ConnString() + " TimeZone=UTC"

	// Configure GORM logger
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	// Open database connection
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})

	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("✅ Database connected successfully")

	// Auto migrate schemas
	err = db.AutoMigrate(
		&models.User{},
		&models.Poll{},
		&models.PollOption{},
		&models.Vote{},
		&models.VoterClaim{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("✅ Database migrations completed")

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database instance: %v", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	dbInstance = &service{
		db: db,
	}

	return dbInstance
}

func (s *service) GetDB() *gorm.DB {
	return s.db
}

// Health checks the health of the database connection by pinging the database.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := make(map[string]string)

	// Get underlying SQL DB
	sqlDB, err := s.db.DB()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db error: %v", err)
		return stats
	}

	// Ping the database
	err = sqlDB.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	// Database is up
	stats["status"] = "up"
	stats["message"] = "It's healthy"

	// Get database stats
	dbStats := sqlDB.Stats()
	stats["open_connections"] = fmt.Sprintf("%d", dbStats.OpenConnections)
	stats["in_use"] = fmt.Sprintf("%d", dbStats.InUse)
	stats["idle"] = fmt.Sprintf("%d", dbStats.Idle)

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	log.Printf("Disconnected from database: %s", os.Getenv("DB_NAME"))
	return sqlDB.Close()
}
