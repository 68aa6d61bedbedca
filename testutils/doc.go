// Package testutils provides helpers shared by the package test suites.
//
// Key components:
//   - SetupTestDatabase: a migrated PostgreSQL instance in a throwaway
//     container, wrapped in a *db.Database
//   - FileBodyStore: an on-disk stand-in for the S3 body store
//
// Example usage:
//
//	func TestDeliver(t *testing.T) {
//		td := testutils.SetupTestDatabase(t)
//		userID := td.CreateTestAccount(t, "alice@example.com", "secret")
//		// ...
//	}
package testutils
