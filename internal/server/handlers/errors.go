package handlers

import apperrors "github.com/3leaps/annopipe/internal/errors"

// respondWithError writes the JSON error envelope. Tests swap it.
var respondWithError = apperrors.RespondWithError
