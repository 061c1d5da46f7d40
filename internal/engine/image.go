package engine

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ImageIDFromArchive reads the config digest of the image stored in a
// `docker save` tarball. Docker reports the same digest as the image id.
func ImageIDFromArchive(path string) (string, error) {
	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return "", fmt.Errorf("error reading image archive %s: %w", path, err)
	}
	digest, err := img.ConfigName()
	if err != nil {
		return "", fmt.Errorf("error reading image config of %s: %w", path, err)
	}
	return digest.Hex, nil
}
