package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

const (
	minDiskSize     = units.GiB
	freeSpaceFactor = 0.9
)

// CreateDiskImage creates a sparse image for a guest under the owner's
// directory. An existing image is left untouched and reported as such.
func (s *Service) CreateDiskImage(ctx context.Context, req *CreateDiskRequest) (*CreateDiskResponse, error) {
	if err := validateRef(&req.GuestRef); err != nil {
		return nil, err
	}
	k, err := kind.Parse(req.Kind)
	if err != nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "Invalid VM kind")
	}

	path := paths.ImagePath(s.cfg.Paths, req.Owner, k, req.Name)
	if st, err := os.Stat(path); err == nil {
		return &CreateDiskResponse{Path: path, Size: uint64(st.Size()), Existed: true}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to create image directory", err)
	}

	size := req.Size
	if size == 0 {
		size, err = defaultDiskSize(dir)
		if err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to create disk image", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to set disk image size", err)
	}
	if err := f.Close(); err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to create disk image", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"owner": req.Owner,
		"name":  req.Name,
		"size":  units.BytesSize(float64(size)),
	}).Info("created disk image")
	return &CreateDiskResponse{Path: path, Size: size}, nil
}

// defaultDiskSize is 90% of the free space below dir, at least 1 GiB.
func defaultDiskSize(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, vmerrors.Wrap(vmerrors.IOError, "Failed to get free disk space", err)
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return max(uint64(free*freeSpaceFactor), uint64(minDiskSize)), nil
}

// DestroyDiskImage removes a guest's image. Images of running guests are
// kept.
func (s *Service) DestroyDiskImage(ctx context.Context, req *DestroyDiskRequest) (*Empty, error) {
	if err := validateRef(&req.GuestRef); err != nil {
		return nil, err
	}
	k, err := kind.Parse(req.Kind)
	if err != nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "Invalid VM kind")
	}
	if _, err := s.guests.Get(req.Owner, req.Name); err == nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "VM is currently running")
	}

	path := paths.ImagePath(s.cfg.Paths, req.Owner, k, req.Name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, vmerrors.New(vmerrors.NotFound, "Disk image does not exist")
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to remove disk image", err)
	}
	if k == kind.Android {
		os.Remove(paths.PstorePath(s.cfg.Paths, req.Owner, req.Name))
	}
	log.G(ctx).WithFields(log.Fields{"owner": req.Owner, "name": req.Name}).Info("destroyed disk image")
	return &Empty{}, nil
}

// ListVMDisks lists every image stored for an owner.
func (s *Service) ListVMDisks(_ context.Context, req *ListDisksRequest) (*ListDisksResponse, error) {
	if err := validateRef(&GuestRef{Owner: req.Owner, Name: "-"}); err != nil {
		return nil, err
	}
	images, err := paths.ListImages(s.cfg.Paths, req.Owner)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "Failed to list disk images", err)
	}
	resp := &ListDisksResponse{Images: make([]DiskImage, 0, len(images))}
	for _, img := range images {
		resp.Images = append(resp.Images, DiskImage{
			Name: img.Name,
			Kind: img.Kind.String(),
			Path: img.Path,
			Size: img.Size,
		})
	}
	return resp, nil
}
