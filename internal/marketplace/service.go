package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/ids"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrValidation = errors.New("marketplace: validation failed")
	ErrNotFound   = errors.New("marketplace: not found")
	ErrForbidden  = errors.New("marketplace: forbidden")
	ErrConflict   = errors.New("marketplace: conflict")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew    = "marketplace.service.new"
	opUpsertProfile = "marketplace.upsert_profile"
	opCreateJob     = "marketplace.create_job"
	opSendMessage   = "marketplace.send_message"
	opSubmitOffer   = "marketplace.submit_offer"
	opDecideOffer   = "marketplace.decide_offer"
)

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Publisher  realtime.Publisher
	Logger     *zap.Logger
}

// Service owns the minimal marketplace writes that feed notifications and realtime.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	publisher  realtime.Publisher
	reporter   serviceerr.Reporter
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		reporter:   serviceerr.NewReporter(cfg.Logger, "marketplace"),
	}, nil
}

// UpsertProfile creates or renames the caller's profile.
func (s *Service) UpsertProfile(ctx context.Context, userID, displayName string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return Profile{}, serviceerr.New(opUpsertProfile, "invalid_profile", ErrValidation)
	}
	profile := Profile{UserID: userID, DisplayName: displayName}
	err := s.db.WithContext(ctx).
		Where(Profile{UserID: userID}).
		Assign(Profile{DisplayName: displayName}).
		FirstOrCreate(&profile).Error
	if err != nil {
		return Profile{}, s.reporter.Fail(opUpsertProfile, "save_failed", err, zap.String("user_id", userID))
	}
	return profile, nil
}

// CreateJob posts a listing owned by ownerID.
func (s *Service) CreateJob(ctx context.Context, ownerID, title, description string) (Job, error) {
	ownerID = strings.TrimSpace(ownerID)
	title = strings.TrimSpace(title)
	if ownerID == "" || title == "" {
		return Job{}, serviceerr.New(opCreateJob, "invalid_job", ErrValidation)
	}
	jobID, err := s.idProvider.NewID()
	if err != nil {
		return Job{}, s.reporter.Fail(opCreateJob, "id_generation_failed", err)
	}
	job := Job{ID: jobID, OwnerID: ownerID, Title: title, Description: strings.TrimSpace(description)}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return Job{}, s.reporter.Fail(opCreateJob, "insert_failed", err, zap.String("owner_id", ownerID))
	}
	return job, nil
}

// SendMessage stores a direct message and signals the recipient's feed.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, jobID, body string) (Message, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	body = strings.TrimSpace(body)
	if senderID == "" || recipientID == "" || body == "" || senderID == recipientID {
		return Message{}, serviceerr.New(opSendMessage, "invalid_message", ErrValidation)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, s.reporter.Fail(opSendMessage, "id_generation_failed", err)
	}
	message := Message{
		ID:          messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		JobID:       strings.TrimSpace(jobID),
		Body:        body,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, s.reporter.Fail(opSendMessage, "insert_failed", err,
			zap.String("sender_id", senderID),
			zap.String("recipient_id", recipientID))
	}
	s.publish(realtime.Insert(messageRow(message), message.CreatedAt))
	return message, nil
}

// SubmitOffer records a pending offer on a job owned by someone else.
func (s *Service) SubmitOffer(ctx context.Context, jobID, responderID, message string, priceCents int64) (JobResponse, error) {
	jobID = strings.TrimSpace(jobID)
	responderID = strings.TrimSpace(responderID)
	if jobID == "" || responderID == "" || priceCents < 0 {
		return JobResponse{}, serviceerr.New(opSubmitOffer, "invalid_offer", ErrValidation)
	}

	var job Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobResponse{}, serviceerr.New(opSubmitOffer, "job_not_found", ErrNotFound)
	}
	if err != nil {
		return JobResponse{}, s.reporter.Fail(opSubmitOffer, "job_select_failed", err, zap.String("job_id", jobID))
	}
	if job.OwnerID == responderID {
		return JobResponse{}, serviceerr.New(opSubmitOffer, "own_job", ErrValidation)
	}

	offerID, err := s.idProvider.NewID()
	if err != nil {
		return JobResponse{}, s.reporter.Fail(opSubmitOffer, "id_generation_failed", err)
	}
	offer := JobResponse{
		ID:          offerID,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		ResponderID: responderID,
		Message:     strings.TrimSpace(message),
		PriceCents:  priceCents,
		Status:      OfferStatusPending,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&offer).Error; err != nil {
		return JobResponse{}, s.reporter.Fail(opSubmitOffer, "insert_failed", err, zap.String("job_id", jobID))
	}
	s.publish(realtime.Insert(offerRow(offer), offer.CreatedAt))
	return offer, nil
}

// DecideOffer lets the job owner accept or decline a pending offer. Only the first decision wins.
func (s *Service) DecideOffer(ctx context.Context, offerID, ownerID string, status OfferStatus) (JobResponse, error) {
	if status != OfferStatusAccepted && status != OfferStatusDeclined {
		return JobResponse{}, serviceerr.New(opDecideOffer, "invalid_status", ErrValidation)
	}
	var offer JobResponse
	err := s.db.WithContext(ctx).Where("id = ?", offerID).Take(&offer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobResponse{}, serviceerr.New(opDecideOffer, "offer_not_found", ErrNotFound)
	}
	if err != nil {
		return JobResponse{}, s.reporter.Fail(opDecideOffer, "offer_select_failed", err, zap.String("offer_id", offerID))
	}
	if offer.OwnerID != ownerID {
		return JobResponse{}, serviceerr.New(opDecideOffer, "not_owner", ErrForbidden)
	}

	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&JobResponse{}).
		Where("id = ? AND status = ?", offerID, OfferStatusPending).
		Updates(map[string]any{"status": status, "updated_at": now})
	if result.Error != nil {
		return JobResponse{}, s.reporter.Fail(opDecideOffer, "update_failed", result.Error, zap.String("offer_id", offerID))
	}
	if result.RowsAffected == 0 {
		return JobResponse{}, serviceerr.New(opDecideOffer, "already_decided", ErrConflict)
	}

	previous := offer
	offer.Status = status
	offer.UpdatedAt = now
	s.publish(realtime.UpdateEvent(offerRow(previous), offerRow(offer), now))
	return offer, nil
}

func (s *Service) publish(event realtime.ChangeEvent) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}

func messageRow(message Message) realtime.MessageRow {
	return realtime.MessageRow{ID: message.ID, SenderID: message.SenderID, RecipientID: message.RecipientID}
}

func offerRow(offer JobResponse) realtime.OfferRow {
	return realtime.OfferRow{
		ID:          offer.ID,
		JobID:       offer.JobID,
		OwnerID:     offer.OwnerID,
		ResponderID: offer.ResponderID,
		Status:      string(offer.Status),
	}
}
