package domain

type Message struct {
	ID               int
	ChatID           int64
	Username         string
	ReplyToMessageID *int
	ReplyToUsername  string
	IsReplyToBot     bool
	QuotedText       string
	// ImageURL is the photo attached to the message itself.
	ImageURL string
	// ReplyImageURL is the photo of the message being replied to.
	ReplyImageURL string
	Text          string
}

type Action string

const (
	Typing       Action = "typing"
	SendingPhoto Action = "sending_photo"
)
