package port

import "context"

type FileDownloader interface {
	// Download returns the content behind a file URL.
	Download(ctx context.Context, url string) ([]byte, error)
}

type TempFileStore interface {
	// Save stages data for a chat and returns the generated file name.
	Save(chatID int64, data []byte, extension string) (string, error)
	// Read returns a file previously staged with Save.
	Read(chatID int64, name string) ([]byte, error)
	// Remove deletes everything staged for a chat.
	Remove(chatID int64) error
}
