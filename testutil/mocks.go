package testutil

// Mock implementations that need settlement types are in the settlement
// package (testing_mocks_test.go). See that file for:
// - mockChain, mockTransport: in-memory ledger node with balances, nonces, mempool and receipts
// - failingSigner, foreignSigner: signers that fail or sign as someone else
// - newTestEnv: engine wired to mock transports and a fake clock
