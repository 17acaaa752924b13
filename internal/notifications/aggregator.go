package notifications

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Kind identifies the source of a notification item.
type Kind string

const (
	KindMessage Kind = "message"
	KindOffer   Kind = "offer"

	DefaultDisplayLimit = 5
	subjectTitleLimit   = 80
)

const (
	opAggregatorNew = "notifications.aggregator.new"
	opFeed          = "notifications.feed"
	opOpen          = "notifications.open"
	opDismiss       = "notifications.dismiss"
)

var (
	ErrValidation = errors.New("notifications: validation failed")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("state store is required")
)

// Item is a normalized notification.
type Item struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	SubjectID       string    `json:"subject_id"`
	SubjectTitle    string    `json:"subject_title"`
	CounterpartName string    `json:"counterpart_name"`
	CreatedAt       time.Time `json:"created_at"`
	Unread          bool      `json:"unread"`
	sourceID        string
}

// Feed is the ranked, truncated notification list plus the unread count.
type Feed struct {
	Items       []Item    `json:"items"`
	UnreadCount int       `json:"unread_count"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type AggregatorConfig struct {
	Database     *gorm.DB
	Store        StateStore
	DisplayLimit int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Aggregator merges unread messages and pending offers into one feed.
type Aggregator struct {
	db       *gorm.DB
	store    StateStore
	limit    int
	clock    func() time.Time
	reporter serviceerr.Reporter
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opAggregatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, serviceerr.New(opAggregatorNew, "missing_store", errMissingStore)
	}
	limit := cfg.DisplayLimit
	if limit <= 0 {
		limit = DefaultDisplayLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		db:       cfg.Database,
		store:    cfg.Store,
		limit:    limit,
		clock:    clock,
		reporter: serviceerr.NewReporter(cfg.Logger, "notifications"),
	}, nil
}

// Feed returns the current feed for the viewer's device.
func (a *Aggregator) Feed(ctx context.Context, viewerID, deviceID string) (Feed, error) {
	key, err := deviceKey(opFeed, viewerID, deviceID)
	if err != nil {
		return Feed{}, err
	}
	items, err := a.collect(ctx, opFeed, viewerID)
	if err != nil {
		return Feed{}, err
	}
	state, err := a.store.Load(ctx, key)
	if err != nil {
		return Feed{}, a.reporter.Fail(opFeed, "state_load_failed", err, zap.String("viewer_id", viewerID))
	}
	return buildFeed(items, state), nil
}

// Open marks the displayed messages read, advances the watermark to now and returns the feed as displayed.
func (a *Aggregator) Open(ctx context.Context, viewerID, deviceID string) (Feed, error) {
	key, err := deviceKey(opOpen, viewerID, deviceID)
	if err != nil {
		return Feed{}, err
	}
	items, err := a.collect(ctx, opOpen, viewerID)
	if err != nil {
		return Feed{}, err
	}

	now := a.clock().UTC()
	messageIDs := make([]string, 0, len(items))
	for _, item := range items {
		if item.Kind == KindMessage {
			messageIDs = append(messageIDs, item.sourceID)
		}
	}
	if len(messageIDs) > 0 {
		if err := a.db.WithContext(ctx).Model(&marketplace.Message{}).
			Where("id IN ? AND recipient_id = ? AND read_at IS NULL", messageIDs, viewerID).
			Update("read_at", now).Error; err != nil {
			return Feed{}, a.reporter.Fail(opOpen, "mark_read_failed", err, zap.String("viewer_id", viewerID))
		}
	}

	if _, err := a.store.AdvanceWatermark(ctx, key, now); err != nil {
		return Feed{}, a.reporter.Fail(opOpen, "watermark_failed", err, zap.String("viewer_id", viewerID))
	}
	state, err := a.store.Load(ctx, key)
	if err != nil {
		return Feed{}, a.reporter.Fail(opOpen, "state_load_failed", err, zap.String("viewer_id", viewerID))
	}
	return buildFeed(items, state), nil
}

// Dismiss union-merges ids into the device's dismissed set and returns the refreshed feed.
func (a *Aggregator) Dismiss(ctx context.Context, viewerID, deviceID string, itemIDs []string) (Feed, error) {
	key, err := deviceKey(opDismiss, viewerID, deviceID)
	if err != nil {
		return Feed{}, err
	}
	cleaned := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return Feed{}, serviceerr.New(opDismiss, "missing_ids", ErrValidation)
	}
	if err := a.store.Dismiss(ctx, key, cleaned); err != nil {
		return Feed{}, a.reporter.Fail(opDismiss, "state_write_failed", err, zap.String("viewer_id", viewerID))
	}
	return a.Feed(ctx, viewerID, deviceID)
}

// Forget drops every device's state for the user.
func (a *Aggregator) Forget(ctx context.Context, userID string) error {
	return a.store.Forget(ctx, userID)
}

func deviceKey(operation, viewerID, deviceID string) (DeviceKey, error) {
	viewerID = strings.TrimSpace(viewerID)
	deviceID = strings.TrimSpace(deviceID)
	if viewerID == "" || deviceID == "" {
		return DeviceKey{}, serviceerr.New(operation, "missing_device_key", ErrValidation)
	}
	return DeviceKey{UserID: viewerID, DeviceID: deviceID}, nil
}

func (a *Aggregator) collect(ctx context.Context, operation, viewerID string) ([]Item, error) {
	var messages, offers []Item
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		messages, err = a.unreadMessages(groupCtx, viewerID)
		if err != nil {
			return a.reporter.Fail(operation, "messages_query_failed", err, zap.String("viewer_id", viewerID))
		}
		return nil
	})
	group.Go(func() error {
		var err error
		offers, err = a.pendingOffers(groupCtx, viewerID)
		if err != nil {
			return a.reporter.Fail(operation, "offers_query_failed", err, zap.String("viewer_id", viewerID))
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return mergeItems(a.limit, messages, offers), nil
}

func (a *Aggregator) unreadMessages(ctx context.Context, viewerID string) ([]Item, error) {
	var messages []marketplace.Message
	if err := a.db.WithContext(ctx).
		Where("recipient_id = ? AND read_at IS NULL", viewerID).
		Order("created_at DESC").
		Limit(a.limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}

	senderIDs := make([]string, 0, len(messages))
	jobIDs := make([]string, 0, len(messages))
	for _, message := range messages {
		senderIDs = append(senderIDs, message.SenderID)
		if message.JobID != "" {
			jobIDs = append(jobIDs, message.JobID)
		}
	}
	names, err := a.displayNames(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	titles, err := a.jobTitles(ctx, jobIDs)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(messages))
	for _, message := range messages {
		subjectID, subjectTitle := message.ID, excerpt(message.Body)
		if title, ok := titles[message.JobID]; ok {
			subjectID, subjectTitle = message.JobID, title
		}
		items = append(items, Item{
			ID:              string(KindMessage) + ":" + message.ID,
			Kind:            KindMessage,
			SubjectID:       subjectID,
			SubjectTitle:    subjectTitle,
			CounterpartName: names[message.SenderID],
			CreatedAt:       message.CreatedAt.UTC(),
			sourceID:        message.ID,
		})
	}
	return items, nil
}

func (a *Aggregator) pendingOffers(ctx context.Context, viewerID string) ([]Item, error) {
	var offers []marketplace.JobResponse
	if err := a.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", viewerID, marketplace.OfferStatusPending).
		Order("created_at DESC").
		Limit(a.limit).
		Find(&offers).Error; err != nil {
		return nil, err
	}

	responderIDs := make([]string, 0, len(offers))
	jobIDs := make([]string, 0, len(offers))
	for _, offer := range offers {
		responderIDs = append(responderIDs, offer.ResponderID)
		jobIDs = append(jobIDs, offer.JobID)
	}
	names, err := a.displayNames(ctx, responderIDs)
	if err != nil {
		return nil, err
	}
	titles, err := a.jobTitles(ctx, jobIDs)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(offers))
	for _, offer := range offers {
		items = append(items, Item{
			ID:              string(KindOffer) + ":" + offer.ID,
			Kind:            KindOffer,
			SubjectID:       offer.JobID,
			SubjectTitle:    titles[offer.JobID],
			CounterpartName: names[offer.ResponderID],
			CreatedAt:       offer.CreatedAt.UTC(),
			sourceID:        offer.ID,
		})
	}
	return items, nil
}

func (a *Aggregator) displayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	var profiles []marketplace.Profile
	if err := a.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		names[profile.UserID] = profile.DisplayName
	}
	return names, nil
}

func (a *Aggregator) jobTitles(ctx context.Context, jobIDs []string) (map[string]string, error) {
	titles := make(map[string]string, len(jobIDs))
	if len(jobIDs) == 0 {
		return titles, nil
	}
	var jobs []marketplace.Job
	if err := a.db.WithContext(ctx).Where("id IN ?", jobIDs).Find(&jobs).Error; err != nil {
		return nil, err
	}
	for _, job := range jobs {
		titles[job.ID] = job.Title
	}
	return titles, nil
}

// mergeItems deduplicates by id, sorts newest first and truncates to limit.
func mergeItems(limit int, sources ...[]Item) []Item {
	seen := make(map[string]struct{})
	merged := make([]Item, 0)
	for _, source := range sources {
		for _, item := range source {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			merged = append(merged, item)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// buildFeed counts items newer than the watermark that were not dismissed on this device.
func buildFeed(items []Item, state State) Feed {
	dismissed := state.Dismissed
	if dismissed == nil {
		dismissed = NewDismissedIDSet(DismissedCapacity)
	}
	feed := Feed{Items: make([]Item, 0, len(items)), LastSeenAt: state.LastSeenAt}
	for _, item := range items {
		item.Unread = item.CreatedAt.After(state.LastSeenAt) && !dismissed.Contains(item.ID)
		if item.Unread {
			feed.UnreadCount++
		}
		feed.Items = append(feed.Items, item)
	}
	return feed
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= subjectTitleLimit {
		return body
	}
	return string(runes[:subjectTitleLimit-1]) + "…"
}
