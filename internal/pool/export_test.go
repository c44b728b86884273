// ABOUTME: Test-only exports for the pool package
// ABOUTME: Exposes the handle opener hook to the escalation tests

package pool

// OpenFunc mirrors the internal opener signature for injection from tests.
type OpenFunc = openFunc

// SetOpenFunc swaps the handle opener.
func (m *Manager) SetOpenFunc(f OpenFunc) { m.open = f }

// OpenHandle is the production opener.
var OpenHandle = openHandle
