package ssds

import "context"

// SetIdentityResolvers swaps the manifest identity resolvers for tests and
// returns a restore function.
func SetIdentityResolvers(aws, gcp func(context.Context) (string, error)) func() {
	oldAWS, oldGCP := awsIdentity, gcpIdentity
	awsIdentity, gcpIdentity = aws, gcp
	return func() {
		awsIdentity, gcpIdentity = oldAWS, oldGCP
	}
}
