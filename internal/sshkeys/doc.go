// Package sshkeys handles the key material deskmon uses to authenticate with
// monitored hosts.
//
// A target is first reached with a password. After that first successful
// login the monitor can enroll a dedicated ED25519 key pair: [GenerateKeyPair]
// creates it, [AuthorizeKeyCommand] builds the remote shell command that
// appends the public half to ~/.ssh/authorized_keys, and the private half is
// kept (encrypted) in the credential store. Later connections prefer the key
// and fall back to the password.
//
// Host keys follow Trust On First Use: [MakeHostKeyCallback] records the
// server fingerprint so it can be stored and compared on the next connect.
package sshkeys
