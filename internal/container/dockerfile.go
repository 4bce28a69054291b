package container

// challengeDockerfile is the base image for every challenge container.
// Challenges bring their own files via the read-only /challenge mount, so
// the image only needs a usable shell environment and a non-root user.
const challengeDockerfile = `FROM debian:bookworm-slim

RUN apt-get update && apt-get install -y --no-install-recommends \
        bash \
        coreutils \
        procps \
        grep \
        sed \
        gawk \
        findutils \
        less \
        nano \
        python3 \
    && rm -rf /var/lib/apt/lists/*

RUN useradd --create-home --shell /bin/bash player

USER player
WORKDIR /home/player

CMD ["/bin/bash"]
`
