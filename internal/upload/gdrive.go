package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// ErrNoDriveToken is returned when the OAuth token file is missing. Run the
// gdrive-auth command once to create it.
var ErrNoDriveToken = errors.New("google drive token not found")

// DriveClient handles uploading to Google Drive
type DriveClient struct {
	service    *drive.Service
	folderName string
	folderID   string

	// date folder ids already resolved, keyed by "2025/01/23"
	mu      sync.Mutex
	folders map[string]string
}

// NewDrive creates a Drive client from OAuth client credentials and a saved token
func NewDrive(ctx context.Context, credentialsFile, tokenFile, folderName string) (*DriveClient, error) {
	config, err := driveConfig(credentialsFile)
	if err != nil {
		return nil, err
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDriveToken, tokenFile)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}

	if folderName == "" {
		folderName = "MediaToolkit"
	}
	dc := &DriveClient{
		service:    srv,
		folderName: folderName,
		folders:    make(map[string]string),
	}

	// Find or create the root folder
	if err := dc.ensureFolder(ctx); err != nil {
		return nil, err
	}
	return dc, nil
}

func driveConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// AuthorizeDrive runs the interactive OAuth flow: it prints the consent URL
// to out, reads the authorization code from in and saves the token.
func AuthorizeDrive(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	config, err := driveConfig(credentialsFile)
	if err != nil {
		return err
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	var authCode string
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}

	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken saves a token to a file path
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Name implements Uploader
func (dc *DriveClient) Name() string {
	return "gdrive:" + dc.folderName
}

// ensureFolder finds or creates the root folder
func (dc *DriveClient) ensureFolder(ctx context.Context) error {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false",
		dc.folderName)

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to search for folder: %w", err)
	}

	if len(r.Files) > 0 {
		dc.folderID = r.Files[0].Id
		return nil
	}

	// Create folder
	folder := &drive.File{
		Name:     dc.folderName,
		MimeType: "application/vnd.google-apps.folder",
	}

	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to create folder: %w", err)
	}

	dc.folderID = file.Id
	return nil
}

// Upload stores the file under MediaToolkit/2025/01/23/ and returns its view link
func (dc *DriveClient) Upload(ctx context.Context, filePath string) (string, error) {
	now := time.Now()
	folderID, err := dc.ensureDateFolder(ctx, now)
	if err != nil {
		return "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	file := &drive.File{
		Name:    fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(filePath)),
		Parents: []string{folderID},
	}

	created, err := dc.service.Files.Create(file).Media(f).Fields("id, webViewLink").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload to drive: %w", err)
	}

	if created.WebViewLink != "" {
		return created.WebViewLink, nil
	}
	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id), nil
}

// ensureDateFolder creates nested year/month/day folders
func (dc *DriveClient) ensureDateFolder(ctx context.Context, t time.Time) (string, error) {
	key := t.Format("2006/01/02")

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if id, ok := dc.folders[key]; ok {
		return id, nil
	}

	yearID, err := dc.findOrCreateFolder(ctx, fmt.Sprintf("%d", t.Year()), dc.folderID)
	if err != nil {
		return "", err
	}
	monthID, err := dc.findOrCreateFolder(ctx, fmt.Sprintf("%02d", t.Month()), yearID)
	if err != nil {
		return "", err
	}
	dayID, err := dc.findOrCreateFolder(ctx, fmt.Sprintf("%02d", t.Day()), monthID)
	if err != nil {
		return "", err
	}

	dc.folders[key] = dayID
	return dayID, nil
}

// findOrCreateFolder finds or creates a folder with the given parent
func (dc *DriveClient) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='application/vnd.google-apps.folder' and trashed=false",
		name, parentID)

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", err
	}

	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	}

	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}

	return file.Id, nil
}
