// Package leasestore persists the lease file, DUID, and IAID named in
// spec §6, using atomic rename-on-write so a crash mid-write never leaves
// a half-written file behind.
package leasestore

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2"
)

// Store locates the three files named in spec §6 under one state
// directory.
type Store struct {
	stateDir string
	iface    string
}

// New returns a Store rooted at stateDir for the named interface.
func New(stateDir, iface string) *Store {
	return &Store{stateDir: stateDir, iface: iface}
}

func (s *Store) leasePath() string { return filepath.Join(s.stateDir, s.iface+".lease") }
func (s *Store) iaidPath() string  { return filepath.Join(s.stateDir, s.iface+".iaid") }
func (s *Store) duidPath() string  { return filepath.Join(s.stateDir, "duid.txt") }

// Lease is the on-disk lease record: "yiaddr serverid leasetime".
type Lease struct {
	ClientIP net.IP
	ServerID net.IP
	Seconds  uint32
}

// SaveLease atomically writes the lease file (spec §6: "text: yiaddr
// serverid leasetime, atomic rename").
func (s *Store) SaveLease(l Lease) error {
	line := fmt.Sprintf("%s %s %d\n", l.ClientIP.String(), l.ServerID.String(), l.Seconds)
	if err := renameio.WriteFile(s.leasePath(), []byte(line), 0o644); err != nil {
		return errors.Annotate(err, "leasestore: writing lease file: %w")
	}
	return nil
}

// LoadLease reads back a previously saved lease; ok is false if no lease
// file exists yet.
func (s *Store) LoadLease() (l Lease, ok bool, err error) {
	data, err := os.ReadFile(s.leasePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Lease{}, false, nil
		}
		return Lease{}, false, errors.Annotate(err, "leasestore: reading lease file: %w")
	}
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return Lease{}, false, errors.Error("leasestore: malformed lease file")
	}
	ip := net.ParseIP(fields[0])
	server := net.ParseIP(fields[1])
	secs, convErr := strconv.ParseUint(fields[2], 10, 32)
	if ip == nil || server == nil || convErr != nil {
		return Lease{}, false, errors.Error("leasestore: malformed lease file")
	}
	return Lease{ClientIP: ip, ServerID: server, Seconds: uint32(secs)}, true, nil
}

// RemoveLease deletes the lease file on release/expiry; a missing file is
// not an error.
func (s *Store) RemoveLease() error {
	err := os.Remove(s.leasePath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "leasestore: removing lease file: %w")
	}
	return nil
}

// LoadOrCreateDUID returns the persisted RFC 4361-style DUID-LLT,
// generating and storing one if none exists yet.
func (s *Store) LoadOrCreateDUID(mac net.HardwareAddr) (string, error) {
	data, err := os.ReadFile(s.duidPath())
	if err == nil {
		if duid := strings.TrimSpace(string(data)); duid != "" {
			return duid, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Annotate(err, "leasestore: reading duid: %w")
	}

	duid := generateDUIDLLT(mac)
	if err := renameio.WriteFile(s.duidPath(), []byte(duid+"\n"), 0o644); err != nil {
		return "", errors.Annotate(err, "leasestore: writing duid: %w")
	}
	return duid, nil
}

func generateDUIDLLT(mac net.HardwareAddr) string {
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	secs := uint32(time.Since(epoch).Seconds())
	return fmt.Sprintf("00:01:00:01:%08x:%s", secs, strings.ReplaceAll(mac.String(), ":", ""))
}

// LoadOrCreateIAID returns the persisted IAID for this interface,
// generating a random one if none exists.
func (s *Store) LoadOrCreateIAID() (uint32, error) {
	data, err := os.ReadFile(s.iaidPath())
	if err == nil {
		if v, convErr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32); convErr == nil {
			return uint32(v), nil
		}
	} else if !os.IsNotExist(err) {
		return 0, errors.Annotate(err, "leasestore: reading iaid: %w")
	}

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Annotate(err, "leasestore: generating iaid: %w")
	}
	iaid := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if err := renameio.WriteFile(s.iaidPath(), []byte(strconv.FormatUint(uint64(iaid), 10)+"\n"), 0o644); err != nil {
		return 0, errors.Annotate(err, "leasestore: writing iaid: %w")
	}
	return iaid, nil
}
