package service

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vm"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// validateRef checks the owner is a hex user hash and the guest has a
// name.
func validateRef(ref *GuestRef) error {
	if ref.Owner == "" {
		return vmerrors.New(vmerrors.InvalidArgument, "Missing owner")
	}
	if !isHex(ref.Owner) {
		return vmerrors.New(vmerrors.InvalidArgument, "Invalid owner")
	}
	if ref.Name == "" {
		return vmerrors.New(vmerrors.InvalidArgument, "Missing VM name")
	}
	return nil
}

// isHex reports whether s is made of hex digits only. Any length is fine.
func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !unicode.Is(unicode.ASCII_Hex_Digit, r)
	}) < 0
}

func validateStart(req *StartVMRequest) (kind.Kind, error) {
	if err := validateRef(&req.GuestRef); err != nil {
		return 0, err
	}
	k, err := kind.Parse(req.Kind)
	if err != nil {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Invalid VM kind")
	}
	if req.CPUs < 0 {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Invalid number of CPUs")
	}
	if req.MemoryMiB < 0 {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Invalid memory size")
	}
	if len(req.Disks) > vm.MaxExtraDisks {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Too many extra disks")
	}
	if req.Kernel == "" {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Missing VM kernel path")
	}
	for _, p := range []string{req.Kernel, req.Rootfs, req.Fstab} {
		if !validPath(p) {
			return 0, vmerrors.New(vmerrors.InvalidArgument, "Image paths must be absolute")
		}
	}
	for _, d := range req.Disks {
		if d.Path == "" || !validPath(d.Path) {
			return 0, vmerrors.New(vmerrors.InvalidArgument, "Disk paths must be absolute")
		}
	}
	if k == kind.Container && req.Rootfs == "" {
		return 0, vmerrors.New(vmerrors.InvalidArgument, "Missing VM rootfs path")
	}
	return k, nil
}

// validPath accepts empty paths and clean absolute ones.
func validPath(p string) bool {
	return p == "" || (filepath.IsAbs(p) && filepath.Clean(p) == p)
}
