package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
)

// DownloadFile returns the byte content of a file on a provided URL.
func DownloadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		err = fmt.Errorf("error creating request %w", err)
		log.Error().Err(err).Str("path", path).Send()
		return nil, err
	}

	client := &http.Client{}
	res, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("error executing request %w", err)
		log.Error().Err(err).Str("path", path).Send()
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err = fmt.Errorf("unexpected status code on download: %d", res.StatusCode)
		log.Error().Err(err).Str("path", path).Send()
		return nil, err
	}

	buf, err := io.ReadAll(res.Body)
	if err != nil {
		err = fmt.Errorf("error reading response %w", err)
		log.Error().Err(err).Str("path", path).Send()
		return nil, err
	}

	return buf, nil
}

// Downloader adapts DownloadFile to port.FileDownloader.
type Downloader struct{}

func (Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	return DownloadFile(ctx, url)
}

var (
	ErrDirNotFound  = errors.New("temp directory not found")
	ErrFileNotFound = errors.New("temp file not found")
	ErrDirCreation  = errors.New("could not create temp directory")
	ErrDirDeletion  = errors.New("could not delete temp directory")
)

// TempStore stages downloaded images in one directory per chat below <root>/temp.
type TempStore struct {
	dir string
}

// NewTempStore creates <root>/temp. An empty root uses the system temp directory.
func NewTempStore(root string) (*TempStore, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "nstbot")
	}

	dir := filepath.Join(root, "temp")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirCreation, err)
	}

	return &TempStore{dir: dir}, nil
}

func (s *TempStore) chatDir(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10))
}

func (s *TempStore) checkRoot() error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("%w: %s", ErrDirNotFound, s.dir)
	}

	return nil
}

// Save writes data into the chat directory and returns the generated file name. The name
// keeps the given extension.
func (s *TempStore) Save(chatID int64, data []byte, extension string) (string, error) {
	if err := s.checkRoot(); err != nil {
		return "", err
	}

	dir := s.chatDir(chatID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: chat %d: %w", ErrDirCreation, chatID, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	name := id.String() + extension
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		err = fmt.Errorf("error writing temp file %w", err)
		log.Error().Err(err).Int64("chatId", chatID).Send()
		return "", err
	}

	log.Debug().Int64("chatId", chatID).Str("name", name).Int("bytes", len(data)).Msg("staged temp file")

	return name, nil
}

func (s *TempStore) Read(chatID int64, name string) ([]byte, error) {
	if err := s.checkRoot(); err != nil {
		return nil, err
	}

	dir := s.chatDir(chatID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: chat %d", ErrDirNotFound, chatID)
	}

	buf, err := os.ReadFile(filepath.Join(dir, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading temp file %w", err)
	}

	return buf, nil
}

// Remove deletes the chat directory. A missing directory is not an error.
func (s *TempStore) Remove(chatID int64) error {
	dir := s.chatDir(chatID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: chat %d: %w", ErrDirDeletion, chatID, err)
	}

	log.Debug().Int64("chatId", chatID).Msg("cleaned up temp dir")

	return nil
}
