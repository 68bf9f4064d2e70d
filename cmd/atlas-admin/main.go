// The atlas-admin tool drives operator tasks that have no always-on process:
// user registration, token issuance, account linking, request submission and
// proposed-action review.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/auth"
	"atlas/internal/broker"
	"atlas/internal/config"
	"atlas/internal/domain/account"
	"atlas/internal/domain/action"
	"atlas/internal/hitl"
	"atlas/internal/logging"
	"atlas/internal/orchestrator"
	"atlas/internal/store/postgres"
	"atlas/internal/tenant"
	"atlas/internal/vault"
)

const usage = `usage: atlas-admin <command> [flags]

commands:
  create-user   -email -password
  issue-token   -email -password
  link-account  -user -name -credentials [-scopes]
  rotate-credentials -user -account -credentials
  submit        -user -account -prompt
  list-requests -user [-limit] [-offset]
  cancel        -user -request
  approve       -user -action
  reject        -user -action
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := logging.NewComponentLogger("atlas-admin")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:], logger); err != nil {
		logger.Error("%s: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string, logger logging.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	tenants := tenant.NewManager(pool)
	users := postgres.NewUserStore(pool)

	switch command {
	case "create-user":
		return createUser(ctx, users, args)
	case "issue-token":
		return issueToken(ctx, cfg, users, args)
	case "link-account":
		return linkAccount(ctx, tenants, cfg, args, logger)
	case "rotate-credentials":
		return rotateCredentials(ctx, tenants, cfg, args, logger)
	case "submit":
		return submit(ctx, tenants, cfg, args, logger)
	case "list-requests":
		return listRequests(ctx, tenants, args)
	case "cancel":
		return cancel(ctx, tenants, args, logger)
	case "approve", "reject":
		return review(ctx, tenants, cfg, command, args, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func createUser(ctx context.Context, users *postgres.UserStore, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "user password")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}
	created, err := users.Create(ctx, account.User{Email: *email, PasswordHash: hash})
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

func issueToken(ctx context.Context, cfg *config.Config, users *postgres.UserStore, args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "user password")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}

	user, err := users.GetByEmail(ctx, *email)
	if err != nil {
		return err
	}
	ok, err := auth.VerifyPassword(*password, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok || !user.Active {
		return fmt.Errorf("invalid credentials")
	}

	token, err := auth.NewVerifier(cfg.JWTSecret).Issue(user.ID, user.Email, cfg.JWTLifetime)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func linkAccount(ctx context.Context, tenants *tenant.Manager, cfg *config.Config, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("link-account", flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	name := fs.String("name", "", "account display name")
	credentials := fs.String("credentials", "", "credentials JSON file, or - for stdin")
	scopes := fs.String("scopes", "read_products", "comma-separated granted scopes")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	if *name == "" || *credentials == "" {
		return fmt.Errorf("-name and -credentials are required")
	}

	raw, err := readCredentials(*credentials)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("credentials payload is not valid JSON")
	}

	v, err := vault.New(tenants, cfg.CredentialKey, logger)
	if err != nil {
		return err
	}
	id, err := v.Link(ctx, uid, "shopify", *name, raw, *scopes)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func rotateCredentials(ctx context.Context, tenants *tenant.Manager, cfg *config.Config, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("rotate-credentials", flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	accountID := fs.String("account", "", "linked account ID")
	credentials := fs.String("credentials", "", "credentials JSON file, or - for stdin")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	aid, err := uuid.Parse(*accountID)
	if err != nil {
		return fmt.Errorf("-account: %w", err)
	}
	raw, err := readCredentials(*credentials)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("credentials payload is not valid JSON")
	}

	v, err := vault.New(tenants, cfg.CredentialKey, logger)
	if err != nil {
		return err
	}
	return v.Rotate(ctx, uid, aid, raw)
}

func readCredentials(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func submit(ctx context.Context, tenants *tenant.Manager, cfg *config.Config, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	accountID := fs.String("account", "", "linked account ID")
	prompt := fs.String("prompt", "", "analysis prompt")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	aid, err := uuid.Parse(*accountID)
	if err != nil {
		return fmt.Errorf("-account: %w", err)
	}

	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	creds, err := vault.New(tenants, cfg.CredentialKey, logger)
	if err != nil {
		return err
	}

	submitter := orchestrator.NewSubmitter(
		postgres.NewRequestStore(tenants),
		postgres.NewLinkedAccountStore(tenants),
		creds,
		b,
		nil,
		logger,
	)
	req, err := submitter.Submit(ctx, uid, aid, *prompt)
	if err != nil {
		return err
	}
	fmt.Println(req.ID)
	return nil
}

func listRequests(ctx context.Context, tenants *tenant.Manager, args []string) error {
	fs := flag.NewFlagSet("list-requests", flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	limit := fs.Int("limit", 20, "maximum rows")
	offset := fs.Int("offset", 0, "rows to skip")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}

	rows, err := postgres.NewRequestStore(tenants).List(ctx, uid, *limit, *offset)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s\t%s\t%s\n", r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func cancel(ctx context.Context, tenants *tenant.Manager, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	requestID := fs.String("request", "", "analysis request ID")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	rid, err := uuid.Parse(*requestID)
	if err != nil {
		return fmt.Errorf("-request: %w", err)
	}

	submitter := orchestrator.NewSubmitter(
		postgres.NewRequestStore(tenants),
		postgres.NewLinkedAccountStore(tenants),
		nil,
		nil,
		nil,
		logger,
	)
	return submitter.Cancel(ctx, uid, rid)
}

func review(ctx context.Context, tenants *tenant.Manager, cfg *config.Config, command string, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	userID := fs.String("user", "", "user ID")
	actionID := fs.String("action", "", "proposed action ID")
	_ = fs.Parse(args)

	uid, err := uuid.Parse(*userID)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	aid, err := uuid.Parse(*actionID)
	if err != nil {
		return fmt.Errorf("-action: %w", err)
	}

	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	service := hitl.NewService(postgres.NewActionStore(tenants), b, logger)
	var act *action.ProposedAction
	if command == "approve" {
		act, err = service.Approve(ctx, uid, aid)
	} else {
		act, err = service.Reject(ctx, uid, aid)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", act.ID, act.Status)
	return nil
}
