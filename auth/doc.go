// Package auth signs outgoing backend requests.
//
// Every strategy implements Signer: given a request about to be sent, attach
// whatever headers make the remote service accept it. Only the bearer
// strategies touch the network, and only to exchange credentials for a
// token. Malformed credentials are rejected by the constructors with
// ErrInvalidCredentials, before any request exists.
//
// # Strategies
//
//   - SigV4: AWS Signature Version 4 for S3-compatible stores. Also usable
//     as the S3 client's HTTP signer through SignHTTP.
//   - SharedKey: Azure Storage account-key signing.
//   - Bearer: Authorization: Bearer from any oauth2.TokenSource. Paired with
//     AzureClientCredentials for service principals and with
//     NewGoogleTokenSource for service-account JWT assertions.
//
// Transport wraps any Signer as an http.RoundTripper for SDK clients that
// accept a custom *http.Client.
package auth
