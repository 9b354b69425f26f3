//go:build windows

package updater

// DefaultPermissions is a no-op; Windows ACLs already grant the installing user access.
func DefaultPermissions(root string) error {
	return nil
}
