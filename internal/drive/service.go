package drive

import (
	"context"
	"fmt"
	"io"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Service implements Files on top of the Drive v3 API.
type Service struct {
	svc *gdrive.Service
}

// NewService authenticates with a service account key given as JSON.
func NewService(ctx context.Context, serviceAccountKey []byte) (*Service, error) {
	svc, err := gdrive.NewService(ctx,
		option.WithCredentialsJSON(serviceAccountKey),
		option.WithScopes(gdrive.DriveFileScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return &Service{svc: svc}, nil
}

// AccountEmail reports which identity the key authenticates as.
func (s *Service) AccountEmail(ctx context.Context) (string, error) {
	about, err := s.svc.About.Get().Fields("user(emailAddress)").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if about.User == nil {
		return "", nil
	}
	return about.User.EmailAddress, nil
}

func (s *Service) CheckFolder(ctx context.Context, folderID string) error {
	_, err := s.svc.Files.Get(folderID).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	return err
}

func (s *Service) FindByName(ctx context.Context, folderID, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(name), escapeQuery(folderID))
	list, err := s.svc.Files.List().Q(q).Fields("files(id)").
		SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (s *Service) Update(ctx context.Context, fileID string, media io.Reader, contentType string) (string, error) {
	f, err := s.svc.Files.Update(fileID, &gdrive.File{}).
		Media(media, googleapi.ContentType(contentType)).
		SupportsAllDrives(true).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return f.Id, nil
}

func (s *Service) Create(ctx context.Context, name, folderID string, media io.Reader, contentType string) (string, error) {
	meta := &gdrive.File{Name: name}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}
	f, err := s.svc.Files.Create(meta).
		Media(media, googleapi.ContentType(contentType)).
		SupportsAllDrives(true).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return f.Id, nil
}
