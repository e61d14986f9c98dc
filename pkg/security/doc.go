/*
Package security provides the daemon's cryptographic primitives: AES-256-GCM
secret encryption and an internal Certificate Authority for issuing mTLS
certificates to cluster nodes.

# Cluster Encryption Key

All encryption is rooted in a 32-byte cluster key derived from the cluster
ID (SHA-256(clusterID)). It encrypts secrets at rest — IPMI credentials and
any other sensitive node configuration the store replicates — and the CA's
own private key.

# Secrets

SecretsManager wraps AES-256-GCM: EncryptSecret/DecryptSecret operate on
raw bytes, prepending a random 12-byte nonce to the ciphertext so each
encryption is unique even for repeated plaintexts. CreateSecret/GetSecretData
give callers a named-secret convenience layer on top.

# Certificate Authority

CertAuthority issues a self-signed root (RSA 4096, long-lived) and signs
per-node leaf certificates (RSA 2048, 90-day validity) usable for mutual
TLS. cmd/pvcd does not construct a CertAuthority: the raft transport is
plain TCP and the store RPC client dials without TLS. IssueNodeCertificate takes a
node identity, DNS names and IP addresses; IssueClientCertificate is the
analogous call for CLI/tooling clients. VerifyCertificate checks a
presented certificate against the stored root.

# Usage

	sm, err := security.NewSecretsManagerFromPassword(clusterID)
	ciphertext, err := sm.EncryptSecret([]byte(ipmiPassword))
	...
	plaintext, err := sm.DecryptSecret(ciphertext)

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil { ... }
	cert, err := ca.IssueNodeCertificate(nodeName, "coordinator", dnsNames, ips)

# See Also

  - pkg/store - the raft transport and remote gRPC client this package's
    certificates would secure
  - pkg/config - IPMIPassword and other fields this package's secrets
    encryption protects at rest
*/
package security
