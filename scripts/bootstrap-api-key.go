// Command bootstrap-api-key provisions an operator and one API key directly
// in the database. It is how a fresh deployment gets its first admin key,
// since every API route needs a key already.
//
//	go run ./scripts/bootstrap-api-key.go -email ops@fisheries.example -migrate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/db"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/repository"
)

type options struct {
	databaseURL string
	user        model.User
	keyName     string
	scopes      []string
	tier        string
	env         string
	migrate     bool
	asJSON      bool
}

type provisioned struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email"`
	KeyID     string   `json:"key_id"`
	Key       string   `json:"key"`
	KeyPrefix string   `json:"key_prefix"`
	Scopes    []string `json:"scopes"`
	Tier      string   `json:"rate_limit_tier"`
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "bootstrap-api-key:", err)
		}
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap-api-key:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, getenv func(string) string) (options, error) {
	var (
		o      options
		scopes string
		format string
	)
	fs := flag.NewFlagSet("bootstrap-api-key", flag.ContinueOnError)
	fs.StringVar(&o.databaseURL, "database-url", getenv("DATABASE_URL"), "PostgreSQL connection string")
	fs.StringVar(&o.user.ID, "user-id", "system", "operator ID, used only when the email is new")
	fs.StringVar(&o.user.Email, "email", "system@seawatch.local", "operator email")
	fs.StringVar(&o.user.Name, "operator-name", "", "display name of a new operator")
	fs.StringVar(&o.user.Organisation, "organisation", "", "organisation of a new operator")
	fs.StringVar(&o.keyName, "name", "bootstrap", "API key name")
	fs.StringVar(&scopes, "scopes", model.ScopeAdmin, "comma-separated scopes: "+strings.Join(model.ValidScopes, ", "))
	fs.StringVar(&o.tier, "tier", model.TierUnlimited, "rate limit tier")
	fs.StringVar(&o.env, "env", auth.EnvLive, "key environment, live or test")
	fs.BoolVar(&o.migrate, "migrate", false, "apply pending migrations first")
	fs.StringVar(&format, "format", "plain", "output: plain prints only the key, json prints everything")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.databaseURL == "" {
		return o, errors.New("DATABASE_URL or -database-url is required")
	}
	var err error
	if o.scopes, err = parseScopes(scopes); err != nil {
		return o, err
	}
	if !model.IsValidTier(o.tier) {
		return o, fmt.Errorf("unknown tier %q", o.tier)
	}
	if o.env != auth.EnvLive && o.env != auth.EnvTest {
		return o, fmt.Errorf("unknown env %q", o.env)
	}
	switch strings.ToLower(format) {
	case "plain":
	case "json":
		o.asJSON = true
	default:
		return o, fmt.Errorf("unknown format %q", format)
	}
	return o, nil
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	if o.migrate {
		if err := db.Migrate(o.databaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	repo, err := repository.New(ctx, o.databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	user, err := repo.GetOrCreateUser(ctx, &o.user)
	if err != nil {
		return fmt.Errorf("ensure operator: %w", err)
	}

	generated, err := auth.GenerateAPIKey(o.env)
	if err != nil {
		return err
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        user.ID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        o.scopes,
		RateLimitTier: o.tier,
		Name:          o.keyName,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	if !o.asJSON {
		_, err = fmt.Fprintln(stdout, generated.Plaintext)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(provisioned{
		UserID:    user.ID,
		Email:     user.Email,
		KeyID:     key.ID,
		Key:       generated.Plaintext,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
		Tier:      key.RateLimitTier,
	})
}

// parseScopes deduplicates and validates a comma list. An empty list means
// admin.
func parseScopes(input string) ([]string, error) {
	var scopes []string
	for part := range strings.SplitSeq(input, ",") {
		scope := strings.ToLower(strings.TrimSpace(part))
		switch {
		case scope == "":
		case !slices.Contains(model.ValidScopes, scope):
			return nil, fmt.Errorf("unknown scope %q", scope)
		case !slices.Contains(scopes, scope):
			scopes = append(scopes, scope)
		}
	}
	if len(scopes) == 0 {
		return []string{model.ScopeAdmin}, nil
	}
	return scopes, nil
}
