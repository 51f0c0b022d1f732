//go:build !unix

package locks

// lockFile is a no-op where advisory locks are unsupported; only in-process
// exclusion is guaranteed there.
func lockFile(path string) (unlock func(), err error) {
	return func() {}, nil
}
