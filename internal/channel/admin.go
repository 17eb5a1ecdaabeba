package channel

import "fmt"

// AppointAdmin adds an admin's Ed25519 public key to the manifest and
// re-signs it. Only the channel owner holds the signing key, so only
// the owner can appoint.
func AppointAdmin(ch *Owned, adminPublicKey, adminLabel string) error {
	if adminPublicKey == ch.Manifest.OwnerKey {
		return ErrAdminIsOwner
	}
	if ch.Manifest.IsAdmin(adminPublicKey) {
		return fmt.Errorf("%w: %s", ErrAdminExists, adminLabel)
	}
	ch.Manifest.AdminKeys = append(ch.Manifest.AdminKeys, AdminKey{
		Key:   adminPublicKey,
		Label: adminLabel,
	})
	ch.Manifest.Signature = ""
	return SignManifest(&ch.Manifest, ch.SigningKeyPrivate)
}

// RemoveAdmin removes an admin and rotates the encryption key so the
// removed admin cannot decrypt content published afterwards.
func RemoveAdmin(ch *Owned, adminPublicKey string) error {
	if !ch.Manifest.IsAdmin(adminPublicKey) {
		return ErrAdminNotFound
	}
	kept := ch.Manifest.AdminKeys[:0]
	for _, a := range ch.Manifest.AdminKeys {
		if a.Key != adminPublicKey {
			kept = append(kept, a)
		}
	}
	ch.Manifest.AdminKeys = kept
	return RotateEncryptionKey(ch)
}

// RotateEncryptionKey generates a new X25519 content keypair, bumps the
// key epoch, and re-signs the manifest. Holders of the previous key
// cannot decrypt content encrypted under the new epoch.
func RotateEncryptionKey(ch *Owned) error {
	encPub, encPriv, err := GenerateEncryptionKeypair()
	if err != nil {
		return err
	}
	ch.Manifest.CurrentEncryptKey = encPub
	ch.Manifest.KeyEpoch++
	ch.Manifest.Signature = ""
	if err := SignManifest(&ch.Manifest, ch.SigningKeyPrivate); err != nil {
		return err
	}
	ch.EncryptionKeyPrivate = encPriv
	ch.EncryptionKeyPublic = encPub
	return nil
}
