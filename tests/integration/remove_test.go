//go:build integration

package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemove_NonExistent(t *testing.T) {
	err := testClient.Remove("nonexistent-volume-12345")
	assert.Error(t, err, "remove nonexistent volume should fail")
}

// TestRemove_DeletesCreatedImage checks that removing a volume deletes the
// image file the plugin created for it
func TestRemove_DeletesCreatedImage(t *testing.T) {
	name := uniqueVolumeName(t)
	cleanupVolume(t, name)

	createVolume(t, name, nil)
	imagePath := imagePathFor(name, "raw")

	output, _ := testVM.Run(fmt.Sprintf("test -f %s && echo -n kept || echo -n gone", imagePath))
	require.Equal(t, "kept", output, "the image should exist after create")

	require.NoError(t, testClient.Remove(name))

	output, _ = testVM.Run(fmt.Sprintf("test -f %s && echo -n kept || echo -n gone", imagePath))
	assert.Equal(t, "gone", output, "the image should be deleted with the volume")
}

// TestRemove_MountedVolume checks that removing a mounted volume tears the
// mount down first
func TestRemove_MountedVolume(t *testing.T) {
	name := uniqueVolumeName(t)
	cleanupVolume(t, name)

	createVolume(t, name, nil)
	mountpoint, err := testClient.Mount(name, "container-1")
	require.NoError(t, err)

	require.NoError(t, testClient.Remove(name), "remove should succeed while mounted")

	output, _ := testVM.Run(fmt.Sprintf("mountpoint -q %s && echo -n mounted || echo -n free", mountpoint))
	assert.Equal(t, "free", output, "the mount should be gone")
	assertVolumeNotExists(t, name)
}
