// Package testutil provides testing utilities for the settlement engine.
//
// This package contains test fixtures and builders for transactions, receipts
// and block headers that are commonly used across tests in the settlement
// packages.
//
// # Important Note on Import Cycles
//
// The in-memory ledger node (mockTransport) and the engine harness are kept in
// the settlement package's test files (testing_mocks_test.go) so they can
// reach unexported engine state. This package only contains utilities that
// don't depend on settlement types.
//
// # Test Fixtures
//
// Common test values are provided:
//   - TestAddr1, TestAddr2, TestAddr3: Common test addresses
//   - TestContractAddr: Address used as the settlement contract
//   - TestPrivateKey1, TestPrivateKeyHex, TestPrivateKey1Address: Test private keys and derived address
//   - OneEth, TwentyGwei, TwoGwei, Eth: Common values
//   - ChainIDMainnet, ChainIDPolygon, ChainIDArbitrum: Common chain IDs
//   - PrimaryRPC, BackupRPC, FallbackRPC: Endpoint URLs
//
// # Builders
//
// Helper functions for creating test chain objects:
//   - NewLegacyTx, NewSignedLegacyTx: Create transactions
//   - NewReceipt, NewReceiptInBlock: Create receipts
//   - NewHeader: Create a block header with a given utilisation
//
// # Example Usage
//
//	func TestMyFunction(t *testing.T) {
//	    tx := testutil.NewSignedLegacyTx(t, testutil.TestPrivateKey1, testutil.ChainIDMainnet,
//	        0, testutil.TestContractAddr, testutil.OneEth, 21000, testutil.TwentyGwei, nil)
//	    receipt := testutil.NewReceiptInBlock(tx, types.ReceiptStatusSuccessful, 100)
//	    // ...
//	}
package testutil
