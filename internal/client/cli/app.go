package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/filevault/internal/client/client"
	"github.com/dmitrijs2005/filevault/internal/client/config"
)

type uploader interface {
	Upload(ctx context.Context, req client.UploadRequest) (*client.UploadResult, error)
	Close() error
}

type App struct {
	config *config.Config
	client uploader
	out    io.Writer
}

func NewApp(c *config.Config) (*App, error) {

	apiClient, err := client.NewGRPCClient(c.ServerEndpointAddr, c.AccessToken)
	if err != nil {
		return nil, err
	}

	return &App{config: c, client: apiClient, out: os.Stdout}, nil
}

// Run uploads the file at path and closes the connection.
func (a *App) Run(ctx context.Context, path string) error {
	defer a.client.Close()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	p := &progress{out: a.out, total: st.Size()}

	res, err := a.client.Upload(ctx, client.UploadRequest{
		Name:        name,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Size:        st.Size(),
		Body:        f,
		ChunkSize:   int(a.config.ChunkSize),
		OnProgress:  p.update,
	})
	p.done()
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	fmt.Fprintf(a.out, "%s uploaded: id=%s status=%s size=%s parts=%d\n",
		name, res.FileID, res.Status, humanize.IBytes(uint64(res.Size)), res.Parts)
	return nil
}
