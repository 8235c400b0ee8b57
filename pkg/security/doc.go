/*
Package security provides the cryptographic services behind node enrollment:
wallet signature verification and node credential minting/storage.

# Wallet verification

A node registers once under a wallet, enrolling a P-256 public key
(PublicKeyPEM on types.Node). Every registration request after that must
present a signature over a fresh orchestrator-issued challenge, verifiable
against the enrolled key with WalletVerifier.Verify. This is a deliberate
simplification of message-recovery signature schemes (e.g. Ethereum's
ecrecover): rather than deriving the wallet address from the signature, the
orchestrator verifies a standard ECDSA signature against the public key it
already has on file. See DESIGN.md for the rationale.

# Credential minting

TokenManager mints a signed JWT (golang-jwt/jwt/v5) bound to
(node-id, wallet, machine-id) as the node's long-lived bearer credential.
Only a bcrypt hash of the minted token is ever stored
(store.SaveNodeCredentialHash) — the signed value itself is handed to the
node once, at registration, and is unrecoverable from storage. Every
subsequent heartbeat presents the original token, which the orchestrator
checks with TokenManager.Validate (signature, issuer, audience) and by
matching the token's node id against the heartbeating node. The stored hash
is not consulted on that path, so clearing it does not revoke a credential.
Command acks are not authenticated with the credential.

# Usage

	v := security.NewWalletVerifier()
	challenge, _ := security.GenerateChallenge()
	// ... node signs challenge with its enrolled private key ...
	if err := v.Verify(node.PublicKeyPEM, challenge, sig); err != nil {
		return err
	}

	tm, _ := security.NewTokenManager(cfg.Jwt.Key, cfg.Jwt.Issuer, cfg.Jwt.Audience, 0)
	token, _ := tm.Mint(node.ID, node.Wallet, node.MachineID)
	hash, _ := security.HashCredential(token)
	_ = store.SaveNodeCredentialHash(ctx, node.ID, hash)
*/
package security
