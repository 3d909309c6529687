package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// Standard certificate extension OIDs (RFC 5280 section 4.2.1)
var (
	OIDSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDSubjectAltName         = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDExtKeyUsage            = asn1.ObjectIdentifier{2, 5, 29, 37}
)

// leafExtensions is every extension an issued leaf may carry.
var leafExtensions = []asn1.ObjectIdentifier{
	OIDSubjectKeyIdentifier,
	OIDKeyUsage,
	OIDSubjectAltName,
	OIDBasicConstraints,
	OIDAuthorityKeyIdentifier,
	OIDExtKeyUsage,
}

// ErrExtensionNotFound is returned when a required extension is missing
var ErrExtensionNotFound = errors.New("extension not found")

// FindExtension returns the extension with the given OID.
func FindExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) (pkix.Extension, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext, nil
		}
	}
	return pkix.Extension{}, fmt.Errorf("%w: %s", ErrExtensionNotFound, oid)
}

// UnexpectedExtensions lists the extensions on cert that no leaf profile produces.
func UnexpectedExtensions(cert *x509.Certificate) []asn1.ObjectIdentifier {
	var unexpected []asn1.ObjectIdentifier
	for _, ext := range cert.Extensions {
		allowed := false
		for _, oid := range leafExtensions {
			if ext.Id.Equal(oid) {
				allowed = true
				break
			}
		}
		if !allowed {
			unexpected = append(unexpected, ext.Id)
		}
	}
	return unexpected
}
