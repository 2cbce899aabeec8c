package message

import (
	"sort"
	"strings"
)

// Options is a list of options sorted by option number.
//
// Repeatable options keep the order in which they were added.
type Options []Option

const maxPathValue = 255

func (options Options) findPosition(id OptionID, prepend bool) int {
	if prepend {
		return sort.Search(len(options), func(i int) bool { return options[i].ID >= id })
	}
	return sort.Search(len(options), func(i int) bool { return options[i].ID > id })
}

// Find returns the range [first, last) of options with the given id.
func (options Options) Find(id OptionID) (int, int, error) {
	idxPre := options.findPosition(id, true)
	idxPost := options.findPosition(id, false)
	if idxPre == idxPost {
		return -1, -1, ErrOptionNotFound
	}
	return idxPre, idxPost, nil
}

func (options Options) HasOption(id OptionID) bool {
	_, _, err := options.Find(id)
	return err == nil
}

// Set replaces all options with opt.ID by opt.
func (options Options) Set(opt Option) Options {
	idxPre := options.findPosition(opt.ID, true)
	idxPost := options.findPosition(opt.ID, false)

	// insert
	if idxPre == idxPost {
		options = append(options, Option{})
		copy(options[idxPre+1:], options[idxPre:])
		options[idxPre] = opt
		return options
	}
	// replace
	options[idxPre] = opt
	if idxPre+1 == idxPost {
		return options
	}
	// replace + move
	n := copy(options[idxPre+1:], options[idxPost:])
	return options[:idxPre+1+n]
}

// Add appends opt after the options with the same id.
func (options Options) Add(opt Option) Options {
	idx := options.findPosition(opt.ID, false)
	options = append(options, Option{})
	copy(options[idx+1:], options[idx:])
	options[idx] = opt
	return options
}

// Remove removes all options with the given id.
func (options Options) Remove(id OptionID) Options {
	idxPre := options.findPosition(id, true)
	idxPost := options.findPosition(id, false)
	if idxPre == idxPost {
		return options
	}
	n := copy(options[idxPre:], options[idxPost:])
	return options[:idxPre+n]
}

func (options Options) SetUint32(id OptionID, value uint32) Options {
	buf := make([]byte, 4)
	n, _ := EncodeUint32(buf, value)
	return options.Set(Option{ID: id, Value: buf[:n]})
}

func (options Options) AddUint32(id OptionID, value uint32) Options {
	buf := make([]byte, 4)
	n, _ := EncodeUint32(buf, value)
	return options.Add(Option{ID: id, Value: buf[:n]})
}

func (options Options) SetBytes(id OptionID, value []byte) Options {
	return options.Set(Option{ID: id, Value: value})
}

func (options Options) GetUint32(id OptionID) (uint32, error) {
	firstIdx, _, err := options.Find(id)
	if err != nil {
		return 0, err
	}
	val, _, err := DecodeUint32(options[firstIdx].Value)
	return val, err
}

func (options Options) GetBytes(id OptionID) ([]byte, error) {
	firstIdx, _, err := options.Find(id)
	if err != nil {
		return nil, err
	}
	return options[firstIdx].Value, nil
}

func (options Options) GetString(id OptionID) (string, error) {
	v, err := options.GetBytes(id)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// GetStrings returns values of all options with the given id.
func (options Options) GetStrings(id OptionID) ([]string, error) {
	firstIdx, lastIdx, err := options.Find(id)
	if err != nil {
		return nil, err
	}
	r := make([]string, 0, lastIdx-firstIdx)
	for i := firstIdx; i < lastIdx; i++ {
		r = append(r, string(options[i].Value))
	}
	return r, nil
}

// SetPath replaces Uri-Path options by the segments of path.
func (options Options) SetPath(path string) (Options, error) {
	o := options.Remove(URIPath)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return o, nil
	}
	for _, segment := range strings.Split(path, "/") {
		if len(segment) > maxPathValue {
			return options, ErrInvalidValueLength
		}
		o = o.Add(Option{ID: URIPath, Value: []byte(segment)})
	}
	return o, nil
}

// Path returns the Uri-Path options joined by '/'.
func (options Options) Path() (string, error) {
	segments, err := options.GetStrings(URIPath)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(segments, "/"), nil
}

func (options Options) Queries() ([]string, error) {
	return options.GetStrings(URIQuery)
}

func (options Options) ContentFormat() (MediaType, error) {
	v, err := options.GetUint32(ContentFormat)
	return MediaType(v), err
}

func (options Options) SetContentFormat(contentFormat MediaType) Options {
	return options.SetUint32(ContentFormat, uint32(contentFormat))
}

func (options Options) ETag() ([]byte, error) {
	return options.GetBytes(ETag)
}

// Clone returns a deep copy of options.
func (options Options) Clone() Options {
	if options == nil {
		return nil
	}
	r := make(Options, 0, len(options))
	for _, o := range options {
		v := make([]byte, len(o.Value))
		copy(v, o.Value)
		r = append(r, Option{ID: o.ID, Value: v})
	}
	return r
}

// FirstUnknownCritical returns the first option that is critical and not recognized.
func (options Options) FirstUnknownCritical() (OptionID, bool) {
	for _, o := range options {
		if o.ID.IsCritical() && !o.ID.IsKnown() {
			return o.ID, true
		}
	}
	return 0, false
}

// Size returns the number of bytes of the marshaled options.
func (options Options) Size() (int, error) {
	previousID := OptionID(0)
	length := 0
	for _, o := range options {
		n, err := o.Size(previousID)
		if err != nil {
			return -1, err
		}
		length += n
		previousID = o.ID
	}
	return length, nil
}

// Marshal writes options to buf.
//
// When buf is too small the needed size is returned together with ErrTooSmall.
func (options Options) Marshal(buf []byte) (int, error) {
	size, err := options.Size()
	if err != nil {
		return -1, err
	}
	if len(buf) < size {
		return size, ErrTooSmall
	}
	previousID := OptionID(0)
	length := 0
	for _, o := range options {
		n, err := o.Marshal(buf[length:], previousID)
		if err != nil {
			return -1, err
		}
		length += n
		previousID = o.ID
	}
	return length, nil
}

// Unmarshal parses options from data up to the payload marker, the marker is not consumed.
//
// Every option is kept, unknown ones too, so a decoded message encodes back to the same bytes.
// Values reference data.
func (options *Options) Unmarshal(data []byte) (int, error) {
	prev := 0
	processed := 0
	for len(data) > 0 {
		if data[0] == 0xff {
			break
		}

		delta := int(data[0] >> 4)
		length := int(data[0] & 0x0f)

		if delta == ExtendOptionError || length == ExtendOptionError {
			return -1, ErrOptionUnexpectedExtendMarker
		}

		data = data[1:]
		processed++

		proc, delta, err := parseExtOpt(data, delta)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]
		proc, length, err = parseExtOpt(data, length)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]

		if len(data) < length {
			return -1, ErrOptionTruncated
		}
		id := prev + delta
		if id > int(^OptionID(0)) {
			return -1, ErrInvalidOptionHeaderExt
		}
		*options = append(*options, Option{ID: OptionID(id), Value: data[:length]})
		processed += length
		data = data[length:]
		prev = id
	}
	return processed, nil
}
