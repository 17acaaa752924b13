package marketplace

import "time"

// OfferStatus is the lifecycle state of a job response.
type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusDeclined OfferStatus = "declined"
)

// Profile is the public marketplace profile of an account.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190"`
	DisplayName string    `gorm:"column:display_name;size:320;not null"`
	Headline    string    `gorm:"column:headline;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Profile) TableName() string { return "profiles" }

// Job is a listing posted by an account. Highlighted and Urgent are paid add-ons.
type Job struct {
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	OwnerID     string    `gorm:"column:owner_id;size:190;not null;index"`
	Title       string    `gorm:"column:title;size:320;not null"`
	Description string    `gorm:"column:description;type:text"`
	Highlighted bool      `gorm:"column:highlighted;not null;default:false"`
	Urgent      bool      `gorm:"column:urgent;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Job) TableName() string { return "jobs" }

// JobImage references an uploaded image; storage itself lives elsewhere.
type JobImage struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	JobID     string    `gorm:"column:job_id;size:64;not null;index"`
	URL       string    `gorm:"column:url;size:1024;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (JobImage) TableName() string { return "job_images" }

// JobResponse is an offer made on a job. OwnerID denormalizes the job owner for feed filters.
type JobResponse struct {
	ID          string      `gorm:"column:id;primaryKey;size:64"`
	JobID       string      `gorm:"column:job_id;size:64;not null;index"`
	OwnerID     string      `gorm:"column:owner_id;size:190;not null;index"`
	ResponderID string      `gorm:"column:responder_id;size:190;not null;index"`
	Message     string      `gorm:"column:message;type:text"`
	PriceCents  int64       `gorm:"column:price_cents;not null;default:0"`
	Status      OfferStatus `gorm:"column:status;size:16;not null;index"`
	CreatedAt   time.Time   `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

func (JobResponse) TableName() string { return "job_responses" }

// JobView records that an account looked at a job.
type JobView struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	JobID     string    `gorm:"column:job_id;size:64;not null;index"`
	ViewerID  string    `gorm:"column:viewer_id;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (JobView) TableName() string { return "job_views" }

// Message is a direct message between two accounts.
type Message struct {
	ID          string     `gorm:"column:id;primaryKey;size:64"`
	SenderID    string     `gorm:"column:sender_id;size:190;not null;index"`
	RecipientID string     `gorm:"column:recipient_id;size:190;not null;index"`
	JobID       string     `gorm:"column:job_id;size:64;index"`
	Body        string     `gorm:"column:body;type:text;not null"`
	ReadAt      *time.Time `gorm:"column:read_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
}

func (Message) TableName() string { return "messages" }

type Review struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null;index"`
	SubjectID string    `gorm:"column:subject_id;size:190;not null;index"`
	Rating    int       `gorm:"column:rating;not null"`
	Body      string    `gorm:"column:body;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Review) TableName() string { return "reviews" }

type ProfileGalleryItem struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	ImageURL  string    `gorm:"column:image_url;size:1024;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ProfileGalleryItem) TableName() string { return "profile_gallery" }

type ProfileCategory struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190"`
	Category string `gorm:"column:category;primaryKey;size:64"`
}

func (ProfileCategory) TableName() string { return "profile_categories" }

// Models lists every marketplace table for schema migration.
func Models() []any {
	return []any{
		&Profile{},
		&Job{},
		&JobImage{},
		&JobResponse{},
		&JobView{},
		&Message{},
		&Review{},
		&ProfileGalleryItem{},
		&ProfileCategory{},
	}
}
