package errors

var (
	// Key-state errors, fatal to bundle issuance and surfaced to the caller.
	ErrIdentityKeyMissing  = FailedPrecondition("identity key not registered")
	ErrSignedPreKeyMissing = FailedPrecondition("signed prekey not uploaded")
	ErrInvalidIdentityKey  = InvalidArg("identity key must be 32 or 33 bytes")
	ErrEmptyPreKeyBatch    = InvalidArg("prekey batch cannot be empty")
	ErrPreKeyBatchTooLarge = InvalidArg("prekey batch cannot exceed 100 keys")

	// Cryptographic errors. A failed decrypt is reported, not shown as empty.
	ErrCiphertextTooShort = Crypto("ciphertext shorter than wrapped key segment")
	ErrBadSymmetricKey    = Crypto("symmetric key must be 32 bytes")
	ErrDecryptionFailed   = Crypto("decryption failed")

	// Client key-exchange errors.
	ErrKeyExchangePending = FailedPrecondition("key exchange in progress")
	ErrNoPrincipal        = FailedPrecondition("no resolvable user identity for key manager")
	ErrNotReady           = FailedPrecondition("key manager not initialized")

	// Transport errors.
	ErrAckTimeout      = Transport("send not confirmed: ack timeout")
	ErrDisconnected    = Transport("transport disconnected")
	ErrReconnectGaveUp = Transport("reconnect attempts exhausted")
)
