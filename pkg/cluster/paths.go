package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/types"
)

// ErrFileTooLarge is returned by Create when a staged transfer file
// exceeds --max_file_size.
type ErrFileTooLarge struct {
	Name string
	Size int64
	Max  int64
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("transfer file %q is %d bytes, exceeds max_file_size %d", e.Name, e.Size, e.Max)
}

// CreateParams bundles the inputs to Create (spec.md §4.2/§4.4 COMPUTE:).
type CreateParams struct {
	Compute          types.Compute
	NodeAllocs       []types.NodeAllocation
	ClientAuth       string
	ClientIP         string
	ClientPort       int
	ClientResultPort int
	// SchedulerJobResultPort/SchedulerPort are the scheduler's own
	// listen ports, which COMPUTE: rewrites the compute record to use
	// so nodes contact the scheduler, not the client (spec.md §4.2(d)).
	SchedulerJobResultPort int
	SchedulerPort          int
}

// Create admits a new computation: validates file sizes, creates a
// per-client dest directory, rewrites transfer-file paths and result
// ports, and persists a resumable snapshot (spec.md §4.2).
func (r *Registry) Create(p CreateParams) (*types.Cluster, error) {
	for _, f := range p.Compute.XferFiles {
		if r.maxFile > 0 && f.Size > r.maxFile {
			return nil, &ErrFileTooLarge{Name: f.Name, Size: f.Size, Max: r.maxFile}
		}
	}

	computeID := r.nextID.Add(1)

	destPath := p.Compute.DestPath
	if destPath == "" {
		destPath = filepath.Join(r.destRoot, p.ClientIP, fmt.Sprintf("%s_%s", p.Compute.Name, uuid.NewString()[:8]))
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dest path: %w", err)
	}

	rewritten := make([]types.XferFile, len(p.Compute.XferFiles))
	for i, f := range p.Compute.XferFiles {
		f.Path = filepath.Join(destPath, filepath.Base(f.Name))
		rewritten[i] = f
	}
	p.Compute.XferFiles = rewritten
	p.Compute.DestPath = destPath
	p.Compute.JobResultPort = p.SchedulerJobResultPort
	p.Compute.SchedulerPort = p.SchedulerPort

	c := &types.Cluster{
		ComputeID:        computeID,
		Compute:          p.Compute,
		ClientAuth:       p.ClientAuth,
		ClientIP:         p.ClientIP,
		ClientPort:       p.ClientPort,
		ClientResultPort: p.ClientResultPort,
		NodeAllocs:       p.NodeAllocs,
		DispyNodes:       make(map[string]*types.NodeStats),
		DestPath:         destPath,
	}

	r.insert(c)

	if err := r.persistSnapshot(c); err != nil {
		return c, fmt.Errorf("cluster created but snapshot persist failed: %w", err)
	}
	return c, nil
}

func snapshotPath(destRoot string, computeID uint64, clientAuth string) string {
	return filepath.Join(destRoot, fmt.Sprintf("%d_%s", computeID, clientAuth))
}

func (r *Registry) persistSnapshot(c *types.Cluster) error {
	snap := storage.ClusterSnapshot{
		ComputeID:  c.ComputeID,
		ClientAuth: c.ClientAuth,
		ClientIP:   c.ClientIP,
		ClientPort: c.ClientPort,
		DestPath:   c.DestPath,
	}
	if err := r.store.SaveClusterSnapshot(snap); err != nil {
		return err
	}
	data := fmt.Appendf(nil, "%d %s %s %d %s\n", snap.ComputeID, snap.ClientAuth, snap.ClientIP, snap.ClientPort, snap.DestPath)
	return os.WriteFile(snapshotPath(r.destRoot, c.ComputeID, c.ClientAuth), data, 0o600)
}

func removeSnapshotFile(destRoot string, c *types.Cluster) error {
	err := os.Remove(snapshotPath(destRoot, c.ComputeID, c.ClientAuth))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
