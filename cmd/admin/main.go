package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/prospectaio/prospecta/api/config"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
	"github.com/prospectaio/prospecta/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop and recreate all tables (destroys data)")
	createUserFlag := flag.Bool("create-user", false, "Create an API operator account")

	// Options
	emailFlag := flag.String("email", "", "Email for --create-user")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.New(*verboseFlag)

	connStr, err := config.PostgresConnString()
	if err != nil {
		return err
	}

	switch {
	case *migrateFlag:
		if err := store.RunMigrations(connStr); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil

	case *migrateStatusFlag:
		return store.MigrationStatus(connStr)

	case *resetDBFlag:
		if !*yesFlag && !confirm("This drops ALL pipeline data. Continue?") {
			return fmt.Errorf("aborted")
		}
		if err := store.ResetDatabase(connStr); err != nil {
			return err
		}
		log.Info("database reset")
		return nil

	case *createUserFlag:
		email := strings.ToLower(strings.TrimSpace(*emailFlag))
		if email == "" {
			return fmt.Errorf("--email is required with --create-user")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		if err := config.LoadPostgres(log); err != nil {
			return err
		}
		defer config.ClosePostgres()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st := store.New(log, config.PgPool, nil)
		user, err := st.CreateUser(ctx, email, string(hash))
		if err != nil {
			return err
		}
		log.Info("user created", "id", user.ID, "email", user.Email)
		return nil
	}

	flag.Usage()
	return fmt.Errorf("no command given")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func readPassword() (string, error) {
	fmt.Print("Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	return string(raw), nil
}
