package dagnode

import (
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/merkle-tox/codec"
	"github.com/luxfi/merkle-tox/identity"
	"github.com/luxfi/merkle-tox/ids"
)

// PayloadKind tags the typed payload a node carries; also used as the
// store's NodeType for get_verified_nodes_by_type / get_node_type.
type PayloadKind uint32

const (
	PayloadText PayloadKind = iota
	PayloadAdminControl
	PayloadFileReference
	PayloadGroupMetadata
)

// ErrInvalidPayload is wrapped with detail by payload-specific structural checks.
var ErrInvalidPayload = errors.New("dagnode: invalid payload")

// TextPayload carries plain conversation text; it must be valid UTF-8.
type TextPayload struct {
	Text string
}

// AdminActionKind tags the variant inside an AdminActionPayload.
type AdminActionKind uint32

const (
	AdminAuthorizeDevice AdminActionKind = iota
	AdminRevokeDevice
)

// AdminActionPayload carries an admin-control action, e.g. authorizing
// a new device certificate for a logical identity.
type AdminActionPayload struct {
	Kind            AdminActionKind
	AuthorizeDevice *identity.Certificate
	RevokeDevice    *ids.DeviceId
}

// FileReferencePayload points at a content-addressed blob (§3 "Blobs").
type FileReferencePayload struct {
	BlobHash  ids.Hash
	TotalSize uint64
	ChunkSize uint32
	Filename  string
}

const maxFilenameLen = 1024
const maxChunkSize = 1 << 20 // 1 MiB; the blob store itself chunks at 64 KiB

// GroupMetadataPayload carries group conversation metadata updates.
type GroupMetadataPayload struct {
	Name        string
	Topic       string
	MemberLimit uint32
}

const maxGroupNameLen = 256
const maxGroupTopicLen = 1024
const maxGroupMemberLimit = 1 << 16

// Payload is a tagged union over the four payload kinds of §3.
type Payload struct {
	Kind  PayloadKind
	Text  *TextPayload
	Admin *AdminActionPayload
	File  *FileReferencePayload
	Group *GroupMetadataPayload
}

// Validate performs the payload-specific structural checks of §4.3
// item 5: admin actions carry valid certificates, text is valid UTF-8,
// group metadata fields are within bounds.
func (p *Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if p.Text == nil {
			return errors.Wrap(ErrInvalidPayload, "text payload missing")
		}
		if !utf8.ValidString(p.Text.Text) {
			return errors.Wrap(ErrInvalidPayload, "text is not valid UTF-8")
		}
	case PayloadAdminControl:
		if p.Admin == nil {
			return errors.Wrap(ErrInvalidPayload, "admin payload missing")
		}
		switch p.Admin.Kind {
		case AdminAuthorizeDevice:
			if p.Admin.AuthorizeDevice == nil {
				return errors.Wrap(ErrInvalidPayload, "authorize-device action missing certificate")
			}
		case AdminRevokeDevice:
			if p.Admin.RevokeDevice == nil {
				return errors.Wrap(ErrInvalidPayload, "revoke-device action missing device key")
			}
		default:
			return errors.Wrap(ErrInvalidPayload, "unknown admin action kind")
		}
	case PayloadFileReference:
		if p.File == nil {
			return errors.Wrap(ErrInvalidPayload, "file-reference payload missing")
		}
		if len(p.File.Filename) > maxFilenameLen {
			return errors.Wrap(ErrInvalidPayload, "filename too long")
		}
		if p.File.ChunkSize == 0 || p.File.ChunkSize > maxChunkSize {
			return errors.Wrap(ErrInvalidPayload, "chunk size out of bounds")
		}
	case PayloadGroupMetadata:
		if p.Group == nil {
			return errors.Wrap(ErrInvalidPayload, "group-metadata payload missing")
		}
		if len(p.Group.Name) > maxGroupNameLen {
			return errors.Wrap(ErrInvalidPayload, "group name too long")
		}
		if len(p.Group.Topic) > maxGroupTopicLen {
			return errors.Wrap(ErrInvalidPayload, "group topic too long")
		}
		if p.Group.MemberLimit > maxGroupMemberLimit {
			return errors.Wrap(ErrInvalidPayload, "group member limit too large")
		}
	default:
		return errors.Wrap(ErrInvalidPayload, "unknown payload kind")
	}
	return nil
}

// Encode writes the payload as an enum: a bare tag is never used here
// since every payload kind carries fields, so all variants use the
// [tag, payload] form with the payload encoded as a positional struct.
func (p *Payload) Encode(w *codec.Writer) {
	codec.PutEnumValueHeader(w, uint32(p.Kind))
	switch p.Kind {
	case PayloadText:
		w.PutStructHeader(1)
		w.PutString(p.Text.Text)
	case PayloadAdminControl:
		w.PutStructHeader(1)
		encodeAdminAction(w, p.Admin)
	case PayloadFileReference:
		w.PutStructHeader(4)
		w.PutRaw(p.File.BlobHash[:])
		w.PutUint64(p.File.TotalSize)
		w.PutUint32(p.File.ChunkSize)
		w.PutString(p.File.Filename)
	case PayloadGroupMetadata:
		w.PutStructHeader(3)
		w.PutString(p.Group.Name)
		w.PutString(p.Group.Topic)
		w.PutUint32(p.Group.MemberLimit)
	}
}

func encodeAdminAction(w *codec.Writer, a *AdminActionPayload) {
	codec.PutEnumValueHeader(w, uint32(a.Kind))
	switch a.Kind {
	case AdminAuthorizeDevice:
		c := a.AuthorizeDevice
		w.PutStructHeader(5)
		w.PutRaw(c.Identity[:])
		w.PutRaw(c.DeviceKey[:])
		w.PutUint32(uint32(c.Permissions))
		w.PutInt64(c.ExpiryMs)
		w.PutRaw(c.Signer[:])
		w.PutBytes(c.Signature)
	case AdminRevokeDevice:
		w.PutStructHeader(1)
		w.PutRaw(a.RevokeDevice[:])
	}
}

// DecodePayload reads a Payload written by Payload.Encode.
func DecodePayload(r *codec.Reader) (*Payload, error) {
	tag, err := codec.GetEnumTag(r)
	if err != nil {
		return nil, err
	}
	p := &Payload{Kind: PayloadKind(tag)}
	n, err := r.GetStructHeader()
	if err != nil {
		return nil, err
	}
	switch p.Kind {
	case PayloadText:
		if n != 1 {
			return nil, errors.Wrap(ErrInvalidPayload, "text field count mismatch")
		}
		text, err := r.GetString()
		if err != nil {
			return nil, err
		}
		p.Text = &TextPayload{Text: text}
	case PayloadAdminControl:
		if n != 1 {
			return nil, errors.Wrap(ErrInvalidPayload, "admin field count mismatch")
		}
		a, err := decodeAdminAction(r)
		if err != nil {
			return nil, err
		}
		p.Admin = a
	case PayloadFileReference:
		if n != 4 {
			return nil, errors.Wrap(ErrInvalidPayload, "file field count mismatch")
		}
		hashBytes, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var h ids.Hash
		copy(h[:], hashBytes)
		total, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		chunk, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		name, err := r.GetString()
		if err != nil {
			return nil, err
		}
		p.File = &FileReferencePayload{BlobHash: h, TotalSize: total, ChunkSize: chunk, Filename: name}
	case PayloadGroupMetadata:
		if n != 3 {
			return nil, errors.Wrap(ErrInvalidPayload, "group field count mismatch")
		}
		name, err := r.GetString()
		if err != nil {
			return nil, err
		}
		topic, err := r.GetString()
		if err != nil {
			return nil, err
		}
		limit, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		p.Group = &GroupMetadataPayload{Name: name, Topic: topic, MemberLimit: limit}
	default:
		return nil, errors.Wrap(ErrInvalidPayload, "unknown payload kind on wire")
	}
	return p, nil
}

func decodeAdminAction(r *codec.Reader) (*AdminActionPayload, error) {
	tag, err := codec.GetEnumTag(r)
	if err != nil {
		return nil, err
	}
	a := &AdminActionPayload{Kind: AdminActionKind(tag)}
	n, err := r.GetStructHeader()
	if err != nil {
		return nil, err
	}
	switch a.Kind {
	case AdminAuthorizeDevice:
		if n != 5 {
			return nil, errors.Wrap(ErrInvalidPayload, "authorize-device field count mismatch")
		}
		identityBytes, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		deviceBytes, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		perms, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		expiry, err := r.GetInt64()
		if err != nil {
			return nil, err
		}
		signerBytes, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		sig, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		cert := &identity.Certificate{
			Permissions: identity.Permission(perms),
			ExpiryMs:    expiry,
			Signature:   sig,
		}
		copy(cert.Identity[:], identityBytes)
		copy(cert.DeviceKey[:], deviceBytes)
		copy(cert.Signer[:], signerBytes)
		a.AuthorizeDevice = cert
	case AdminRevokeDevice:
		if n != 1 {
			return nil, errors.Wrap(ErrInvalidPayload, "revoke-device field count mismatch")
		}
		deviceBytes, err := r.GetRaw(32)
		if err != nil {
			return nil, err
		}
		var d ids.DeviceId
		copy(d[:], deviceBytes)
		a.RevokeDevice = &d
	default:
		return nil, errors.Wrap(ErrInvalidPayload, "unknown admin action kind on wire")
	}
	return a, nil
}
