package model

import "errors"

var (
	errExactlyOne          = errors.New("model: exactly one of text or imageUrl must be provided")
	errCaptionWithoutImage = errors.New("model: caption requires imageUrl")
)
