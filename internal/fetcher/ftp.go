package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP fetcher. Reservation hosts hand out
// per-airline credentials; anonymous covers public mirrors.
type FTPOptions struct {
	Timeout  time.Duration
	User     string
	Password string
}

// FTPFetcher pulls batch drops from FTP servers, one connection per file.
type FTPFetcher struct {
	opts FTPOptions
}

func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	return &FTPFetcher{opts: opts}
}

// ftpTarget splits an ftp:// URL into a dialable address and a server path,
// defaulting the control port.
func ftpTarget(rawURL string) (addr, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrapf(err, "parse %s", rawURL)
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("%s is not an ftp url", rawURL)
	}
	if u.Path == "" {
		return "", "", eris.Errorf("%s names no file", rawURL)
	}
	addr = u.Host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	return addr, u.Path, nil
}

// Download retrieves the file behind ftpURL. Closing the returned stream
// also quits the control connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	addr, path, err := ftpTarget(ftpURL)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("pulling ftp drop", zap.String("addr", addr), zap.String("path", path))

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", addr)
	}
	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "login to %s", addr)
	}
	transfer, err := conn.Retr(path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "retrieve %s", path)
	}
	return &ftpStream{transfer: transfer, conn: conn}, nil
}

// ftpStream keeps the control connection alive while the caller reads the
// transfer, releasing both on Close.
type ftpStream struct {
	transfer *ftp.Response
	conn     *ftp.ServerConn
}

func (s *ftpStream) Read(p []byte) (int, error) { return s.transfer.Read(p) }

func (s *ftpStream) Close() error {
	readErr := s.transfer.Close()
	quitErr := s.conn.Quit()
	if readErr != nil {
		return eris.Wrap(readErr, "close transfer")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit control connection")
	}
	return nil
}
