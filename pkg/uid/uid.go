// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package uid generates identifiers. Module ids are short readable
// word-word-NN strings; everything else uses uuids.
package uid

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clear", "crisp", "deep", "eager",
	"fleet", "fresh", "keen", "late", "lucid", "mild", "noble", "plain",
	"quick", "sharp", "solid", "still", "swift", "tidy", "vivid", "warm",
}

var nouns = []string{
	"basin", "brook", "cedar", "cliff", "delta", "dune", "fjord", "glade",
	"grove", "harbor", "inlet", "ledge", "mesa", "peak", "pine", "quarry",
	"reef", "ridge", "shoal", "slope", "spruce", "summit", "vale", "willow",
}

func pick(list []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		// crypto/rand failure is unrecoverable for id generation
		panic(fmt.Sprintf("uid: rand failed: %v", err))
	}
	return list[n.Int64()]
}

// Readable returns a short human-readable uid like "swift-mesa-42".
func Readable() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		panic(fmt.Sprintf("uid: rand failed: %v", err))
	}
	return fmt.Sprintf("%s-%s-%02d", pick(adjectives), pick(nouns), n.Int64())
}

// UUID returns a random uuid string.
func UUID() string {
	return uuid.NewString()
}
