package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"atlas/internal/broker"
	"atlas/internal/bus"
	"atlas/internal/commerce"
	"atlas/internal/domain/account"
	"atlas/internal/domain/request"
	"atlas/internal/logging"
)

// maxPromptLength bounds a submission prompt.
const maxPromptLength = 8000

// Submitter accepts new analysis requests: it validates the linked account,
// persists the pending row, and enqueues the ingest message for the driver.
type Submitter struct {
	requests  request.Store
	accounts  account.Store
	creds     commerce.CredentialSource
	publisher Publisher
	updates   *bus.Bus
	logger    logging.Logger
}

// NewSubmitter constructs a submitter. creds and updates may be nil; the
// ingest message then carries no shop domain and no snapshot is published.
func NewSubmitter(requests request.Store, accounts account.Store, creds commerce.CredentialSource, publisher Publisher, updates *bus.Bus, logger logging.Logger) *Submitter {
	return &Submitter{
		requests:  requests,
		accounts:  accounts,
		creds:     creds,
		publisher: publisher,
		updates:   updates,
		logger:    logging.OrNop(logger),
	}
}

// Submit persists a new pending request and enqueues it. The row is created
// before the publish: a failed publish leaves a pending row that can be
// re-enqueued, never an orphaned broker message.
func (s *Submitter) Submit(ctx context.Context, userID, linkedAccountID uuid.UUID, prompt string) (*request.AnalysisRequest, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	if len(prompt) > maxPromptLength {
		return nil, fmt.Errorf("prompt exceeds %d characters", maxPromptLength)
	}

	linked, err := s.accounts.Get(ctx, userID, linkedAccountID)
	if err != nil {
		return nil, fmt.Errorf("linked account lookup: %w", err)
	}
	if linked.Status != account.AccountActive {
		return nil, fmt.Errorf("linked account %q is %s", linked.AccountName, linked.Status)
	}

	req, err := s.requests.Create(ctx, userID, linkedAccountID, prompt)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	msg := IngestMessage{
		RequestID:  req.ID,
		UserID:     userID,
		Prompt:     prompt,
		ShopDomain: s.shopDomain(ctx, userID, linkedAccountID),
	}
	if err := s.publisher.Publish(ctx, broker.QueueIngest, msg); err != nil {
		s.logger.Error("request %s created but not enqueued: %v", req.ID, err)
		return nil, fmt.Errorf("enqueue request %s: %w", req.ID, err)
	}

	s.publishSnapshot(ctx, req)
	s.logger.Info("request %s submitted for account %s", req.ID, linkedAccountID)
	return req, nil
}

// Cancel moves a non-terminal request to cancelled and announces it on the
// update bus.
func (s *Submitter) Cancel(ctx context.Context, userID, requestID uuid.UUID) error {
	if err := s.requests.Cancel(ctx, userID, requestID); err != nil {
		return err
	}
	req, err := s.requests.Get(ctx, userID, requestID)
	if err != nil {
		s.logger.Warn("cancelled request %s but could not reload it: %v", requestID, err)
		return nil
	}
	s.publishSnapshot(ctx, req)
	return nil
}

// shopDomain resolves the shop domain for the ingest payload. Best effort:
// the driver never depends on it.
func (s *Submitter) shopDomain(ctx context.Context, userID, linkedAccountID uuid.UUID) string {
	if s.creds == nil {
		return ""
	}
	raw, err := s.creds.DecryptFor(ctx, userID, linkedAccountID)
	if err != nil {
		s.logger.Warn("shop domain lookup for account %s failed: %v", linkedAccountID, err)
		return ""
	}
	creds, err := commerce.ParseCredentials(raw)
	if err != nil {
		return ""
	}
	return creds.ShopDomain
}

func (s *Submitter) publishSnapshot(ctx context.Context, req *request.AnalysisRequest) {
	if s.updates == nil {
		return
	}
	if err := s.updates.Publish(ctx, req.ToSnapshot(nil)); err != nil {
		s.logger.Warn("publish snapshot for request %s failed: %v", req.ID, err)
	}
}
