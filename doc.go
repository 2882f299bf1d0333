// Package vaultlink implements the messaging RPC and operation-
// authorization core of the VettID mobile client.
//
// It turns a bare publish/subscribe message bus into managed logical
// connections per remote peer, correlated request/response calls with
// timeout and cancellation semantics, a single-use cryptographic challenge
// protocol gating sensitive vault operations, and a two-party device
// transfer handshake.
//
// Example:
//
//	options := vaultlink.NewOptions()
//	options.OwnerSpace = ownerSpace
//	options.DeviceID = deviceID
//	options.Dialer = natsDialer
//
//	client, err := vaultlink.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Connect(ctx, credential); err != nil {
//	    log.Fatal(err)
//	}
//
//	auth := client.Authorization()
//	if _, err := auth.RequestChallenge(ctx, challenge.OpDeleteSecret, secretID); err != nil {
//	    log.Fatal(err)
//	}
//	_, err = auth.Authorize(ctx, password, func(token challenge.Token) error {
//	    return deleteSecret(ctx, secretID, token)
//	})
package vaultlink
